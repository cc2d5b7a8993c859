package tracker

import (
	"context"

	"go.uber.org/zap"
)

// Reporter assembles page views and hands them to the transport.
type Reporter struct {
	siteID    SiteID
	page      Page
	transport Transport
	endpoint  string
	logger    *zap.Logger
}

// NewReporter creates a reporter posting to endpoint.
func NewReporter(siteID SiteID, page Page, transport Transport, endpoint string, logger *zap.Logger) *Reporter {
	return &Reporter{
		siteID:    siteID,
		page:      page,
		transport: transport,
		endpoint:  endpoint,
		logger:    logger.Named("pageview"),
	}
}

// Track reports a view of url, merged with extra metric fields.
func (r *Reporter) Track(ctx context.Context, url string, extra Vitals) <-chan Delivery {
	view := PageView{
		SiteID:      r.siteID,
		URL:         url,
		Referrer:    r.page.Referrer(),
		ScreenWidth: r.page.ScreenWidth(),
		Vitals:      extra,
	}
	r.logger.Debug("Reporting page view.", zap.String("url", url), zap.Int("vitals", len(extra)))
	return r.transport.Send(ctx, r.endpoint, view)
}
