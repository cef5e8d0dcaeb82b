package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgnsrekt/tabstream/internal/clock"
	"github.com/dgnsrekt/tabstream/internal/inventory"
)

func TestParseFrameProcesses(t *testing.T) {
	events := []json.RawMessage{
		json.RawMessage(`{"name":"TracingStartedInBrowser","cat":"disabled-by-default-devtools.timeline","args":{"data":{"frameTreeNodeId":3,"frames":[{"frame":"F1","url":"https://a.example/","name":"","processId":4242},{"frame":"F2","url":"about:blank","processId":0}]}}}`),
		json.RawMessage(`{"name":"SetLayerTreeId","args":{"data":{"frames":[{"frame":"F3","processId":1}]}}}`),
		json.RawMessage(`not json`),
	}
	frames := parseFrameProcesses(events)
	if len(frames) != 1 {
		t.Fatalf("frames = %v; want only F1", frames)
	}
	if frames["F1"] != 4242 {
		t.Fatalf("F1 pid = %d; want 4242", frames["F1"])
	}
}

func TestPIDTableSharesRefresh(t *testing.T) {
	var calls atomic.Int32
	gate := make(chan struct{})
	trace := func(context.Context) (map[string]int64, error) {
		calls.Add(1)
		<-gate
		return map[string]int64{"F1": 10, "F2": 20}, nil
	}
	tbl := newPIDTable(trace, clock.Real(), time.Minute)

	var wg sync.WaitGroup
	results := make([]int64, 6)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			frame := "F1"
			if i%2 == 1 {
				frame = "F2"
			}
			pid, err := tbl.lookup(context.Background(), frame)
			if err != nil {
				t.Errorf("lookup(%s) error = %v", frame, err)
				return
			}
			results[i] = pid
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("trace calls = %d; want 1", got)
	}
	for i, pid := range results {
		want := int64(10)
		if i%2 == 1 {
			want = 20
		}
		if pid != want {
			t.Fatalf("results[%d] = %d; want %d", i, pid, want)
		}
	}
}

func TestPIDTableExpires(t *testing.T) {
	var calls atomic.Int32
	trace := func(context.Context) (map[string]int64, error) {
		calls.Add(1)
		return map[string]int64{"F1": 10}, nil
	}
	clk := clock.Fake(time.Unix(0, 0))
	tbl := newPIDTable(trace, clk, time.Second)

	for i := 0; i < 3; i++ {
		if _, err := tbl.lookup(context.Background(), "F1"); err != nil {
			t.Fatalf("lookup() error = %v", err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("trace calls within ttl = %d; want 1", got)
	}
	clk.Advance(time.Second)
	if _, err := tbl.lookup(context.Background(), "F1"); err != nil {
		t.Fatalf("lookup() error = %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("trace calls after ttl = %d; want 2", got)
	}
	tbl.invalidate()
	if _, err := tbl.lookup(context.Background(), "F1"); err != nil {
		t.Fatalf("lookup() error = %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("trace calls after invalidate = %d; want 3", got)
	}
}

func TestPIDTableFailuresAreAttributeErrors(t *testing.T) {
	cause := errors.New("tracing already running")
	failing := newPIDTable(func(context.Context) (map[string]int64, error) {
		return nil, cause
	}, clock.Real(), time.Second)
	_, err := failing.lookup(context.Background(), "F1")
	if !errors.Is(err, inventory.ErrAttributeResolutionFailed) || !errors.Is(err, cause) {
		t.Fatalf("lookup() error = %v; want attribute failure wrapping cause", err)
	}

	empty := newPIDTable(func(context.Context) (map[string]int64, error) {
		return map[string]int64{}, nil
	}, clock.Real(), time.Second)
	_, err = empty.lookup(context.Background(), "F9")
	if !errors.Is(err, inventory.ErrAttributeResolutionFailed) {
		t.Fatalf("lookup(unknown) error = %v; want ErrAttributeResolutionFailed", err)
	}
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodeProcessUnresolved {
		t.Fatalf("lookup(unknown) error = %v; want %s", err, CodeProcessUnresolved)
	}
}
