package tracker

import (
	"context"
	"encoding/json"
	"strings"
)

// Embed exposes the configuration carried by the element that embedded the
// agent (the data-site-id attribute of its script tag).
type Embed interface {
	SiteID() (string, bool)
}

// StaticEmbed is an Embed with a fixed, externally configured site id.
type StaticEmbed string

// SiteID implements Embed.
func (s StaticEmbed) SiteID() (string, bool) {
	id := strings.TrimSpace(string(s))
	return id, id != ""
}

// NavigateFunc performs an in-app URL transition (the page's history push).
type NavigateFunc func(ctx context.Context, url string) error

// Page is the hosting document as seen by the agent.
type Page interface {
	// Location is the current document URL.
	Location() string
	// Referrer is the document referrer, empty when there is none.
	Referrer() string
	// ScreenWidth is the viewport's screen width in CSS pixels.
	ScreenWidth() int
	// HookNavigation replaces the page's navigation primitive with
	// wrap(current). The wrapper must delegate to current.
	HookNavigation(wrap func(NavigateFunc) NavigateFunc)
	// OnPopState registers fn for back/forward notifications.
	OnPopState(fn func())
}

// EmitFunc receives one recorder event, already serialized.
type EmitFunc func(event json.RawMessage)

// Recorder is a loaded DOM-recording library.
type Recorder interface {
	// Record starts a continuous recording that calls emit for every event.
	// ctx bounds only the start; the recording itself runs until the page goes away.
	Record(ctx context.Context, emit EmitFunc) error
}

// RecorderLoader fetches the recording library asynchronously.
type RecorderLoader interface {
	LoadRecorder(ctx context.Context) (Recorder, error)
}

// VitalsSource is a loaded performance-metrics library.
type VitalsSource interface {
	// Subscribe registers cb for every sample of the named metric.
	Subscribe(ctx context.Context, name MetricName, cb func(Metric)) error
}

// VitalsLoader fetches the metrics library asynchronously.
type VitalsLoader interface {
	LoadVitals(ctx context.Context) (VitalsSource, error)
}
