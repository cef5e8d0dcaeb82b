package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/dgnsrekt/tabstream/internal/procstat"
	"github.com/dgnsrekt/tabstream/internal/relay"
	"github.com/dgnsrekt/tabstream/internal/sink"
	"github.com/dgnsrekt/tabstream/internal/transport"
	"github.com/dgnsrekt/tabstream/internal/types"
)

type stubService struct {
	latest    *sink.Latest
	resyncErr error
	peers     int
	resyncs   int
}

func (s *stubService) Status() sink.Status {
	return sink.Status{Snapshots: 7, Peers: []types.PeerInfo{{SessionID: "abc"}}}
}

func (s *stubService) Latest() (sink.Latest, bool) {
	if s.latest == nil {
		return sink.Latest{}, false
	}
	return *s.latest, true
}

func (s *stubService) Resync(ctx context.Context) (int, error) {
	s.resyncs++
	return s.peers, s.resyncErr
}

func (s *stubService) Processes() procstat.Report {
	return procstat.Report{Timestamp: 9000, Tabs: []procstat.TabStat{
		{TabID: 2, Title: "Docs", PID: 4200, BrowserInnerPid: 8, RSS: 300 << 20, BackgroundTimeSecs: 42, CPUIdleTimeSecs: 12.5},
	}}
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDocsDarkMode(t *testing.T) {
	h := NewServer(&stubService{}, Options{})
	w := do(t, h, http.MethodGet, "/docs")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `data-theme="dark"`) {
		t.Fatalf("docs missing dark theme marker")
	}
	if strings.Contains(w.Body.String(), "/api/v1/events") {
		t.Fatalf("docs link event feeds without a broker")
	}
}

func TestDocsDescribeStreamAndFeeds(t *testing.T) {
	h := NewServer(&stubService{}, Options{Broker: relay.NewBroker()})
	w := do(t, h, http.MethodGet, "/docs")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		"ws://example.com/",
		`href="/api/v1/events"`,
		`href="/api/v1/events?feeds=snapshot"`,
		`href="/api/v1/events?feeds=peer_disconnected"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("docs missing %q", want)
		}
	}
}

func TestProcesses(t *testing.T) {
	h := NewServer(&stubService{}, Options{})
	w := do(t, h, http.MethodGet, "/api/v1/processes")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200: %s", w.Code, w.Body.String())
	}
	var got struct {
		Timestamp int64 `json:"timestamp"`
		Tabs      []struct {
			PID                int32   `json:"pid"`
			RSS                uint64  `json:"rss"`
			Foreground         bool    `json:"foreground"`
			BackgroundTimeSecs float64 `json:"background_time_secs"`
			CPUIdleTimeSecs    float64 `json:"cpu_idle_time_secs"`
		} `json:"tab_infos"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Timestamp != 9000 || len(got.Tabs) != 1 {
		t.Fatalf("body = %s", w.Body.String())
	}
	if tab := got.Tabs[0]; tab.PID != 4200 || tab.RSS != 300<<20 || tab.BackgroundTimeSecs != 42 || tab.CPUIdleTimeSecs != 12.5 {
		t.Fatalf("tab = %+v", tab)
	}
}

func TestStatus(t *testing.T) {
	h := NewServer(&stubService{}, Options{})
	w := do(t, h, http.MethodGet, "/api/v1/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200: %s", w.Code, w.Body.String())
	}
	var got sink.Status
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Snapshots != 7 || len(got.Peers) != 1 || got.Peers[0].SessionID != "abc" {
		t.Fatalf("body = %+v", got)
	}
}

func TestTabs(t *testing.T) {
	svc := &stubService{}
	h := NewServer(svc, Options{})

	if w := do(t, h, http.MethodGet, "/api/v1/tabs"); w.Code != http.StatusNotFound {
		t.Fatalf("status before any snapshot = %d; want 404", w.Code)
	}

	svc.latest = &sink.Latest{
		SessionID:  "abc",
		ReceivedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Snapshot: types.Snapshot{Timestamp: 42, TabInfos: []types.TabInfo{
			{ID: 1, URL: "https://example.com/", Title: "Example", WindowID: 3, BrowserInnerPid: types.PID(4001)},
		}},
	}
	w := do(t, h, http.MethodGet, "/api/v1/tabs")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200: %s", w.Code, w.Body.String())
	}
	var got sink.Latest
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Snapshot.Timestamp != 42 || len(got.Snapshot.TabInfos) != 1 || *got.Snapshot.TabInfos[0].BrowserInnerPid != 4001 {
		t.Fatalf("body = %+v", got)
	}
}

func TestResync(t *testing.T) {
	svc := &stubService{peers: 2}
	h := NewServer(svc, Options{})
	w := do(t, h, http.MethodPost, "/api/v1/resync")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d; want 202: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"peers":2`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestResyncWithoutPeers(t *testing.T) {
	svc := &stubService{resyncErr: fmt.Errorf("wrapped: %w", sink.ErrNoPeers)}
	h := NewServer(svc, Options{})
	if w := do(t, h, http.MethodPost, "/api/v1/resync"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d; want 503", w.Code)
	}
}

func TestResyncRateLimited(t *testing.T) {
	svc := &stubService{peers: 1}
	h := NewServer(svc, Options{ResyncLimiter: rate.NewLimiter(rate.Every(time.Hour), 1)})

	if w := do(t, h, http.MethodPost, "/api/v1/resync"); w.Code != http.StatusAccepted {
		t.Fatalf("first status = %d; want 202", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/api/v1/resync"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d; want 429", w.Code)
	}
	if svc.resyncs != 1 {
		t.Fatalf("resyncs = %d; want 1", svc.resyncs)
	}
}

func TestOpenAPIListsRoutes(t *testing.T) {
	h := NewServer(&stubService{}, Options{})
	w := do(t, h, http.MethodGet, "/openapi.json")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; want 200", w.Code)
	}
	for _, path := range []string{"/api/v1/status", "/api/v1/tabs", "/api/v1/resync"} {
		if !strings.Contains(w.Body.String(), path) {
			t.Fatalf("openapi missing %s", path)
		}
	}
}

func TestEventsRouteRequiresBroker(t *testing.T) {
	h := NewServer(&stubService{}, Options{})
	if w := do(t, h, http.MethodGet, "/api/v1/events"); w.Code != http.StatusNotFound {
		t.Fatalf("status without broker = %d; want 404", w.Code)
	}
}

func TestStreamerEndpointThroughMiddleware(t *testing.T) {
	broker := relay.NewBroker()
	hub := sink.NewHub(sink.Options{Broker: broker})
	defer hub.Close()
	srv := httptest.NewServer(NewServer(hub, Options{Streams: hub, Broker: broker}))
	defer srv.Close()

	events := make(chan transport.Event, 8)
	d := transport.NewWebSocketDialer(strings.TrimPrefix(srv.URL, "http://"), "/")
	c := d.Open(context.Background(), func(ev transport.Event) { events <- ev })
	defer c.Close()

	select {
	case ev := <-events:
		if ev.Kind != transport.Opened {
			t.Fatalf("event = %v (%v); want opened", ev.Kind, ev.Err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("streamer never connected")
	}
	if err := c.Send([]byte(`{"timestamp":9,"tabInfos":[]}`)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(srv.URL + "/api/v1/tabs")
		if err != nil {
			t.Fatalf("GET tabs: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tabs status = %d; want 200 after snapshot", resp.StatusCode)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLongLivedRequests(t *testing.T) {
	ws := httptest.NewRequest(http.MethodGet, "/", nil)
	ws.Header.Set("Upgrade", "WebSocket")
	if got := longLived(ws); got != "websocket" {
		t.Fatalf("longLived(upgrade) = %q; want websocket", got)
	}
	if got := longLived(httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)); got != "sse" {
		t.Fatalf("longLived(events) = %q; want sse", got)
	}
	if got := longLived(httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)); got != "" {
		t.Fatalf("longLived(status) = %q; want empty", got)
	}
}
