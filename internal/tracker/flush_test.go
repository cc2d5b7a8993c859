package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const sessionEndpoint = "https://collector.example/session"

func newTestScheduler(t *testing.T, transport Transport, retain bool) (*FlushScheduler, *EventBuffer) {
	t.Helper()
	buf := &EventBuffer{}
	f := NewFlushScheduler("abc123", buf, transport, FlushConfig{
		Endpoint:     sessionEndpoint,
		Interval:     10 * time.Millisecond,
		RetainFailed: retain,
	}, zaptest.NewLogger(t))
	return f, buf
}

func appendEvents(buf *EventBuffer, from, n int) {
	for i := from; i < from+n; i++ {
		buf.Append(json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)))
	}
}

func seqs(t *testing.T, body map[string]interface{}) []int {
	t.Helper()
	events, ok := body["events"].([]interface{})
	require.True(t, ok, "events must be an array")
	out := make([]int, 0, len(events))
	for _, e := range events {
		out = append(out, int(e.(map[string]interface{})["seq"].(float64)))
	}
	return out
}

func TestFlushScheduler_EmptyBufferSendsNothing(t *testing.T) {
	transport := &recordingTransport{}
	f, _ := newTestScheduler(t, transport, false)

	assert.Equal(t, FlushSkippedEmpty, f.Flush(context.Background()))
	assert.Empty(t, transport.requests(sessionEndpoint))
	assert.Equal(t, FlushIdle, f.State())
}

func TestFlushScheduler_SessionPropagation(t *testing.T) {
	var calls atomic.Int32
	transport := &recordingTransport{respond: func(string, map[string]interface{}) Delivery {
		if calls.Add(1) == 1 {
			return Delivery{StatusCode: 200, Body: []byte(`{"sessionId":"S1","status":"ok"}`)}
		}
		return Delivery{StatusCode: 200, Body: []byte(`{"status":"ok"}`)}
	}}
	f, buf := newTestScheduler(t, transport, false)
	ctx := context.Background()

	appendEvents(buf, 0, 3)
	require.Equal(t, FlushDelivered, f.Flush(ctx))
	require.NotNil(t, f.SessionID())
	assert.Equal(t, "S1", *f.SessionID())

	// An empty tick in between must not lose the id.
	assert.Equal(t, FlushSkippedEmpty, f.Flush(ctx))

	appendEvents(buf, 3, 2)
	require.Equal(t, FlushDelivered, f.Flush(ctx))

	sent := transport.requests(sessionEndpoint)
	require.Len(t, sent, 2)
	assert.Nil(t, sent[0].Body["sessionId"])
	assert.Equal(t, "abc123", sent[0].Body["siteId"])
	assert.Equal(t, []int{0, 1, 2}, seqs(t, sent[0].Body))
	assert.Equal(t, "S1", sent[1].Body["sessionId"])
	assert.Equal(t, []int{3, 4}, seqs(t, sent[1].Body))
	assert.Equal(t, "S1", *f.SessionID(), "a response without sessionId keeps the current one")
}

func TestFlushScheduler_SessionRotation(t *testing.T) {
	var calls atomic.Int32
	transport := &recordingTransport{respond: func(string, map[string]interface{}) Delivery {
		return Delivery{StatusCode: 200, Body: []byte(fmt.Sprintf(`{"sessionId":"S%d"}`, calls.Add(1)))}
	}}
	f, buf := newTestScheduler(t, transport, false)

	for i := 0; i < 3; i++ {
		appendEvents(buf, i, 1)
		require.Equal(t, FlushDelivered, f.Flush(context.Background()))
	}
	sent := transport.requests(sessionEndpoint)
	require.Len(t, sent, 3)
	assert.Nil(t, sent[0].Body["sessionId"])
	assert.Equal(t, "S1", sent[1].Body["sessionId"])
	assert.Equal(t, "S2", sent[2].Body["sessionId"])
	assert.Equal(t, "S3", *f.SessionID())
}

func TestFlushScheduler_FailureDropsBatch(t *testing.T) {
	transport := &recordingTransport{respond: func(string, map[string]interface{}) Delivery {
		return Delivery{Err: errors.New("offline")}
	}}
	f, buf := newTestScheduler(t, transport, false)

	appendEvents(buf, 0, 2)
	assert.Equal(t, FlushFailed, f.Flush(context.Background()))
	assert.Zero(t, buf.Len(), "buffer is cleared before delivery is confirmed")
	assert.Nil(t, f.SessionID())
}

func TestFlushScheduler_FailureRetainsBatch(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	transport := &recordingTransport{respond: func(string, map[string]interface{}) Delivery {
		if fail.Load() {
			return Delivery{Err: errors.New("offline")}
		}
		return Delivery{StatusCode: 200, Body: []byte(`{"sessionId":"S1"}`)}
	}}
	f, buf := newTestScheduler(t, transport, true)
	ctx := context.Background()

	appendEvents(buf, 0, 2)
	assert.Equal(t, FlushFailed, f.Flush(ctx))
	appendEvents(buf, 2, 1)

	fail.Store(false)
	require.Equal(t, FlushDelivered, f.Flush(ctx))
	sent := transport.requests(sessionEndpoint)
	require.Len(t, sent, 2)
	assert.Equal(t, []int{0, 1, 2}, seqs(t, sent[1].Body))
}

func TestFlushScheduler_UnreadableResponse(t *testing.T) {
	transport := &recordingTransport{respond: func(string, map[string]interface{}) Delivery {
		return Delivery{StatusCode: 200, Body: []byte(`<html>`)}
	}}
	f, buf := newTestScheduler(t, transport, false)
	appendEvents(buf, 0, 1)
	assert.Equal(t, FlushDelivered, f.Flush(context.Background()))
	assert.Nil(t, f.SessionID())
}

// blockingTransport holds every Send until released.
type blockingTransport struct {
	started chan struct{}
	release chan struct{}
	sends   atomic.Int32
}

func (b *blockingTransport) Send(ctx context.Context, _ string, _ interface{}) <-chan Delivery {
	b.sends.Add(1)
	out := make(chan Delivery, 1)
	go func() {
		b.started <- struct{}{}
		<-b.release
		out <- Delivery{StatusCode: 200, Body: []byte(`{"sessionId":"S1"}`)}
	}()
	return out
}

func TestFlushScheduler_BusyWhileInFlight(t *testing.T) {
	bt := &blockingTransport{started: make(chan struct{}, 1), release: make(chan struct{})}
	f, buf := newTestScheduler(t, bt, false)
	appendEvents(buf, 0, 1)

	first := make(chan FlushOutcome, 1)
	go func() { first <- f.Flush(context.Background()) }()
	<-bt.started

	assert.Equal(t, FlushFlushing, f.State())
	appendEvents(buf, 1, 1)
	assert.Equal(t, FlushSkippedBusy, f.Flush(context.Background()))

	close(bt.release)
	assert.Equal(t, FlushDelivered, <-first)
	assert.Equal(t, FlushIdle, f.State())
	assert.Equal(t, 1, buf.Len(), "event captured mid-flight waits for the next tick")
}

func TestFlushScheduler_RunStopsWithContext(t *testing.T) {
	transport := &recordingTransport{respond: func(string, map[string]interface{}) Delivery {
		return Delivery{StatusCode: 200, Body: []byte(`{"sessionId":"S1"}`)}
	}}
	f, buf := newTestScheduler(t, transport, false)
	appendEvents(buf, 0, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return len(transport.requests(sessionEndpoint)) == 1
	}, time.Second, 5*time.Millisecond)

	appendEvents(buf, 2, 1)
	assert.Eventually(t, func() bool {
		return len(transport.requests(sessionEndpoint)) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	sent := transport.requests(sessionEndpoint)
	assert.Equal(t, "S1", sent[1].Body["sessionId"])
	assert.Equal(t, []int{2}, seqs(t, sent[1].Body))
}

func TestFlushScheduler_AbandonsWaitWhenContextEnds(t *testing.T) {
	bt := &blockingTransport{started: make(chan struct{}, 1), release: make(chan struct{})}
	defer close(bt.release)
	f, buf := newTestScheduler(t, bt, true)
	appendEvents(buf, 0, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	assert.Equal(t, FlushAbandoned, f.Flush(ctx))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, FlushIdle, f.State())
	assert.Zero(t, buf.Len(), "an abandoned batch is still in flight, not re-queued")
	assert.Nil(t, f.SessionID())
}

func TestFlushScheduler_TickFlushOutlivesRunContext(t *testing.T) {
	bt := &blockingTransport{started: make(chan struct{}, 1), release: make(chan struct{})}
	f, buf := newTestScheduler(t, bt, false)
	appendEvents(buf, 0, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	<-bt.started
	cancel()
	close(bt.release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	require.NotNil(t, f.SessionID())
	assert.Equal(t, "S1", *f.SessionID(), "the in-flight response is still applied")
	assert.Equal(t, int32(1), bt.sends.Load())
}
