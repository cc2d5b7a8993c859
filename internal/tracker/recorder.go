package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrRecorderStarted is returned when a second recording is requested.
var ErrRecorderStarted = errors.New("recorder already started")

// RecorderBridge connects a loaded recording library to the event buffer.
type RecorderBridge struct {
	buffer  *EventBuffer
	logger  *zap.Logger
	started atomic.Bool
}

// NewRecorderBridge creates a bridge writing into buffer.
func NewRecorderBridge(buffer *EventBuffer, logger *zap.Logger) *RecorderBridge {
	return &RecorderBridge{buffer: buffer, logger: logger.Named("recorder")}
}

// Start opens the recording session. Events are appended verbatim; there is
// no filtering, sampling or size cap. Only the first call records.
func (r *RecorderBridge) Start(ctx context.Context, rec Recorder) error {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("Ignoring duplicate recorder start.")
		return ErrRecorderStarted
	}
	if err := rec.Record(ctx, r.buffer.Append); err != nil {
		r.started.Store(false)
		return fmt.Errorf("start recording: %w", err)
	}
	r.logger.Info("Session recording started.")
	return nil
}

// Started reports whether a recording session is active.
func (r *RecorderBridge) Started() bool {
	return r.started.Load()
}
