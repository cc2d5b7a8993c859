package cdphost

import (
	"context"
	"encoding/json"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/getmusterup/sentinel-agent/internal/tracker"
)

var fuzzBindings = []string{BindingNavigate, BindingPopState, BindingRecord, BindingVital, "__sentinelUnknown"}

// FuzzListen feeds page-controlled binding payloads through the dispatcher.
// Nothing may panic, and only well-formed JSON may reach the event buffer.
func FuzzListen(f *testing.F) {
	f.Add([]byte(`{"href":"https://shop.example/pricing","referrer":"","screenWidth":1280}`))
	f.Add([]byte(`{"name":"LCP","value":2.3}`))
	f.Add([]byte(`{"type":4,"data":{"href":"https://shop.example/"}}`))
	f.Add([]byte{0x00, 0xff, '{', '"'})

	f.Fuzz(func(t *testing.T, data []byte) {
		core, logs := observer.New(zapcore.ErrorLevel)
		h, err := New(context.Background(), Config{RecorderURL: "r", VitalsURL: "v"}, zap.New(core))
		if err != nil {
			t.Fatal(err)
		}

		nav := tracker.NewNavigator(h, func(string) {}, zap.NewNop())
		h.HookNavigation(nav.Wrap)
		h.OnPopState(nav.PopState)

		var emitted []json.RawMessage
		h.mu.Lock()
		h.emit = func(ev json.RawMessage) { emitted = append(emitted, ev) }
		for _, name := range tracker.TrackedMetrics {
			h.vitalsCBs[name] = func(tracker.Metric) {}
		}
		h.mu.Unlock()

		c := fuzz.NewConsumer(data)
		for i := 0; i < 8; i++ {
			pick, err := c.GetInt()
			if err != nil {
				break
			}
			payload, err := c.GetString()
			if err != nil {
				break
			}
			if uint(pick)%7 == 6 {
				parent, _ := c.GetString()
				h.listen(&page.EventFrameNavigated{Frame: &cdp.Frame{URL: payload, ParentID: cdp.FrameID(parent)}})
				continue
			}
			h.listen(&runtime.EventBindingCalled{Name: fuzzBindings[uint(pick)%uint(len(fuzzBindings))], Payload: payload})
		}

		if n := logs.FilterMessage("Panic during binding dispatch.").Len(); n > 0 {
			t.Fatalf("binding dispatch panicked %d time(s): %v", n, logs.All()[0].ContextMap())
		}
		for _, ev := range emitted {
			if !json.Valid(ev) {
				t.Fatalf("malformed recorder event reached the buffer: %q", ev)
			}
		}
	})
}
