package tracker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Navigator detects in-app URL transitions and reports each distinct URL once.
type Navigator struct {
	page     Page
	onChange func(url string)
	logger   *zap.Logger

	mu      sync.Mutex
	lastURL string
}

// NewNavigator seeds the last-seen URL with the page's current location.
func NewNavigator(page Page, onChange func(url string), logger *zap.Logger) *Navigator {
	return &Navigator{
		page:     page,
		onChange: onChange,
		logger:   logger.Named("navigation"),
		lastURL:  page.Location(),
	}
}

// Wrap decorates the page's navigation primitive. The previous
// implementation always runs first; detection runs once it has completed.
func (n *Navigator) Wrap(prev NavigateFunc) NavigateFunc {
	return func(ctx context.Context, url string) error {
		if prev != nil {
			if err := prev(ctx, url); err != nil {
				return err
			}
		}
		n.check("push")
		return nil
	}
}

// PopState handles a back/forward notification.
func (n *Navigator) PopState() {
	n.check("popstate")
}

// LastURL is the most recently reported URL.
func (n *Navigator) LastURL() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastURL
}

func (n *Navigator) check(cause string) {
	current := n.page.Location()

	n.mu.Lock()
	if current == n.lastURL {
		n.mu.Unlock()
		n.logger.Debug("Navigation kept the same URL.", zap.String("url", current), zap.String("cause", cause))
		return
	}
	n.lastURL = current
	n.mu.Unlock()

	n.logger.Debug("In-app navigation detected.", zap.String("url", current), zap.String("cause", cause))
	n.onChange(current)
}
