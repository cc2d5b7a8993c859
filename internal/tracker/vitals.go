package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// VitalsCollector accumulates metric samples for the next page view.
type VitalsCollector struct {
	logger *zap.Logger

	mu      sync.Mutex
	pending Vitals
}

// NewVitalsCollector returns an empty collector.
func NewVitalsCollector(logger *zap.Logger) *VitalsCollector {
	return &VitalsCollector{logger: logger.Named("vitals"), pending: make(Vitals)}
}

// Attach subscribes the collector to every tracked metric of src. A metric
// the source cannot serve does not keep the others from being collected; the
// joined subscription errors are returned.
func (c *VitalsCollector) Attach(ctx context.Context, src VitalsSource) error {
	var errs []error
	subscribed := 0
	for _, name := range TrackedMetrics {
		if err := src.Subscribe(ctx, name, c.Record); err != nil {
			c.logger.Warn("Metric unavailable.", zap.String("name", string(name)), zap.Error(err))
			errs = append(errs, fmt.Errorf("subscribe %s: %w", name, err))
			continue
		}
		subscribed++
	}
	if subscribed > 0 {
		c.logger.Info("Web-Vitals collection started.", zap.Int("metrics", subscribed))
	}
	return errors.Join(errs...)
}

// Record stores a sample; later samples of the same metric win.
func (c *VitalsCollector) Record(m Metric) {
	if !m.Valid() {
		c.logger.Debug("Dropping unusable metric sample.", zap.String("name", string(m.Name)), zap.Float64("value", m.Value))
		return
	}
	c.mu.Lock()
	c.pending[m.Name] = m.Value
	c.mu.Unlock()
}

// Reset discards pending samples so they are not attributed to a new page.
func (c *VitalsCollector) Reset() {
	c.mu.Lock()
	c.pending = make(Vitals)
	c.mu.Unlock()
}

// Snapshot copies the pending samples.
func (c *VitalsCollector) Snapshot() Vitals {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(Vitals, len(c.pending))
	for k, v := range c.pending {
		out[k] = v
	}
	return out
}
