package tracker

import (
	"encoding/json"
	"math"

	jsoniter "github.com/json-iterator/go"
)

// codec is shared by every wire encoding in the agent.
var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// SiteID is the tenant token read from the embedding page.
type SiteID string

// MetricName names a Web-Vitals signal.
type MetricName string

const (
	// MetricCLS is cumulative layout shift (layout stability).
	MetricCLS MetricName = "CLS"
	// MetricFID is first input delay (load responsiveness).
	MetricFID MetricName = "FID"
	// MetricLCP is largest contentful paint (visual readiness).
	MetricLCP MetricName = "LCP"
)

// TrackedMetrics are the metric kinds the vitals collector subscribes to.
var TrackedMetrics = []MetricName{MetricCLS, MetricFID, MetricLCP}

// Metric is one sample delivered by the vitals library.
type Metric struct {
	Name  MetricName `json:"name"`
	Value float64    `json:"value"`
}

// Valid reports whether the sample can be encoded and attributed.
func (m Metric) Valid() bool {
	return m.Name != "" && !math.IsNaN(m.Value) && !math.IsInf(m.Value, 0)
}

// Vitals maps metric name to its latest value.
type Vitals map[MetricName]float64

// PageView is one observation of the current URL. Vitals are flattened into
// the top-level JSON object next to the base fields.
type PageView struct {
	SiteID      SiteID
	URL         string
	Referrer    string
	ScreenWidth int
	Vitals      Vitals
}

// MarshalJSON encodes {"siteId","url","referrer","screenWidth", ...metrics}.
func (p PageView) MarshalJSON() ([]byte, error) {
	fields := make(map[string]interface{}, 4+len(p.Vitals))
	for name, value := range p.Vitals {
		fields[string(name)] = value
	}
	// Base fields are written last so a metric can never shadow them.
	fields["siteId"] = p.SiteID
	fields["url"] = p.URL
	fields["referrer"] = p.Referrer
	fields["screenWidth"] = p.ScreenWidth
	return codec.Marshal(fields)
}

// FlushBatch is one drained slice of recorder events sent to the session endpoint.
type FlushBatch struct {
	SiteID    SiteID            `json:"siteId"`
	Events    []json.RawMessage `json:"events"`
	SessionID *string           `json:"sessionId"`
}

// SessionResponse is the collector's reply to a flush.
type SessionResponse struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status,omitempty"`
}
