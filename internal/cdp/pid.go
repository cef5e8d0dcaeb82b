package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/tracing"
	"golang.org/x/sync/singleflight"

	"github.com/dgnsrekt/tabstream/internal/clock"
)

const (
	timelineCategory    = "disabled-by-default-devtools.timeline"
	tracingStartedEvent = "TracingStartedInBrowser"
)

// traceFunc collects a frame id to renderer pid table.
type traceFunc func(ctx context.Context) (map[string]int64, error)

// pidTable caches the frame to pid table for ttl. Concurrent lookups
// after expiry share a single refresh.
type pidTable struct {
	trace traceFunc
	clock clock.Clock
	ttl   time.Duration
	group singleflight.Group

	mu        sync.Mutex
	frames    map[string]int64
	fetchedAt time.Time
}

func newPIDTable(trace traceFunc, clk clock.Clock, ttl time.Duration) *pidTable {
	return &pidTable{trace: trace, clock: clk, ttl: ttl}
}

// lookup returns the renderer pid hosting frameID.
func (t *pidTable) lookup(ctx context.Context, frameID string) (int64, error) {
	frames, err := t.table(ctx)
	if err != nil {
		return 0, unresolved(CodeProcessUnresolved, "frame process table unavailable", err)
	}
	pid, ok := frames[frameID]
	if !ok {
		return 0, unresolved(CodeProcessUnresolved, fmt.Sprintf("no renderer for frame %s", frameID), nil)
	}
	return pid, nil
}

func (t *pidTable) table(ctx context.Context) (map[string]int64, error) {
	t.mu.Lock()
	if t.frames != nil && t.clock.Now().Sub(t.fetchedAt) < t.ttl {
		frames := t.frames
		t.mu.Unlock()
		return frames, nil
	}
	t.mu.Unlock()

	v, err, _ := t.group.Do("frames", func() (any, error) {
		frames, err := t.trace(ctx)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.frames = frames
		t.fetchedAt = t.clock.Now()
		t.mu.Unlock()
		return frames, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]int64), nil
}

// invalidate forces the next lookup to refresh.
func (t *pidTable) invalidate() {
	t.mu.Lock()
	t.frames = nil
	t.mu.Unlock()
}

type traceEvent struct {
	Name string `json:"name"`
	Args struct {
		Data struct {
			Frames []struct {
				Frame     string `json:"frame"`
				URL       string `json:"url"`
				ProcessID int64  `json:"processId"`
			} `json:"frames"`
		} `json:"data"`
	} `json:"args"`
}

// parseFrameProcesses extracts frame to pid pairs from the
// TracingStartedInBrowser metadata in a batch of trace events.
func parseFrameProcesses(events []json.RawMessage) map[string]int64 {
	frames := make(map[string]int64)
	for _, raw := range events {
		var ev traceEvent
		if json.Unmarshal(raw, &ev) != nil || ev.Name != tracingStartedEvent {
			continue
		}
		for _, f := range ev.Args.Data.Frames {
			if f.Frame == "" || f.ProcessID <= 0 {
				continue
			}
			frames[f.Frame] = f.ProcessID
		}
	}
	return frames
}

// traceFrames runs a momentary timeline trace on the browser session and
// returns the frame table it reports. The browser allows one trace at a
// time; pidTable's singleflight keeps this process to one.
func (r *rawCDP) traceFrames(ctx context.Context) (map[string]int64, error) {
	var (
		mu     sync.Mutex
		events []json.RawMessage
		once   sync.Once
	)
	complete := make(chan struct{})

	unsubData := r.registerEventHandler("Tracing.dataCollected", func(params json.RawMessage) {
		var batch struct {
			Value []json.RawMessage `json:"value"`
		}
		if json.Unmarshal(params, &batch) != nil {
			return
		}
		mu.Lock()
		events = append(events, batch.Value...)
		mu.Unlock()
	})
	defer unsubData()
	unsubDone := r.registerEventHandler("Tracing.tracingComplete", func(json.RawMessage) {
		once.Do(func() { close(complete) })
	})
	defer unsubDone()

	start := tracing.StartParams{
		TransferMode: tracing.TransferModeReportEvents,
		TraceConfig: &tracing.TraceConfig{
			IncludedCategories: []string{timelineCategory},
			ExcludedCategories: []string{"*"},
		},
	}
	if err := r.call(ctx, tracing.CommandStart, start, nil); err != nil {
		return nil, fmt.Errorf("rawcdp: tracing start: %w", err)
	}
	if err := r.call(ctx, tracing.CommandEnd, nil, nil); err != nil {
		return nil, fmt.Errorf("rawcdp: tracing end: %w", err)
	}

	select {
	case <-complete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	return parseFrameProcesses(events), nil
}
