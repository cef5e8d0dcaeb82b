package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/tabstream/internal/clock"
	"github.com/dgnsrekt/tabstream/internal/procstat"
	"github.com/dgnsrekt/tabstream/internal/relay"
	"github.com/dgnsrekt/tabstream/internal/snapshot"
	"github.com/dgnsrekt/tabstream/internal/storage"
	"github.com/dgnsrekt/tabstream/internal/transport"
	"github.com/dgnsrekt/tabstream/internal/types"
)

type streamer struct {
	conn   transport.Conn
	events chan transport.Event
}

func dialStreamer(t *testing.T, srv *httptest.Server) *streamer {
	t.Helper()
	s := &streamer{events: make(chan transport.Event, 16)}
	d := transport.NewWebSocketDialer(strings.TrimPrefix(srv.URL, "http://"), "/")
	s.conn = d.Open(context.Background(), func(ev transport.Event) { s.events <- ev })
	t.Cleanup(func() { _ = s.conn.Close() })
	if ev := s.next(t); ev.Kind != transport.Opened {
		t.Fatalf("first event = %v; want opened", ev.Kind)
	}
	return s
}

func (s *streamer) next(t *testing.T) transport.Event {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for streamer event")
	}
	return transport.Event{}
}

func (s *streamer) send(t *testing.T, snap types.Snapshot) {
	t.Helper()
	data, err := snapshot.Encode(snap)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := s.conn.Send(data); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testSnapshot(ts int64, ids ...int64) types.Snapshot {
	s := types.Snapshot{Timestamp: ts, TabInfos: []types.TabInfo{}}
	for _, id := range ids {
		s.TabInfos = append(s.TabInfos, types.TabInfo{ID: id, URL: "https://example.com/", Title: "t", WindowID: 1, BrowserInnerPid: types.PID(4000 + id)})
	}
	return s
}

func TestHubReceivesSnapshots(t *testing.T) {
	dir := t.TempDir()
	rec := storage.NewWriterRegistry(dir, "snapshots", 8, 1)
	broker := relay.NewBroker()
	_, feed := broker.Subscribe()

	hub := NewHub(Options{Recorder: rec, Broker: broker})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	s := dialStreamer(t, srv)
	waitFor(t, "peer registration", func() bool { return hub.PeerCount() == 1 })

	s.send(t, testSnapshot(1000, 1, 2, 3))
	waitFor(t, "snapshot", func() bool { _, ok := hub.Latest(); return ok })

	latest, _ := hub.Latest()
	if got := len(latest.Snapshot.TabInfos); got != 3 {
		t.Fatalf("latest tabs = %d; want 3", got)
	}
	if latest.Snapshot.Timestamp != 1000 {
		t.Fatalf("latest timestamp = %d; want 1000", latest.Snapshot.Timestamp)
	}

	st := hub.Status()
	if st.Snapshots != 1 || len(st.Peers) != 1 || st.Peers[0].Snapshots != 1 {
		t.Fatalf("Status() = %+v", st)
	}
	if st.Peers[0].SessionID != latest.SessionID {
		t.Fatalf("peer session %q != latest session %q", st.Peers[0].SessionID, latest.SessionID)
	}

	var feeds []string
	for len(feeds) < 2 {
		select {
		case evt := <-feed:
			feeds = append(feeds, evt.Feed)
		case <-time.After(3 * time.Second):
			t.Fatalf("broker events = %v", feeds)
		}
	}
	if feeds[0] != relay.FeedPeerConnect || feeds[1] != relay.FeedSnapshot {
		t.Fatalf("broker feeds = %v", feeds)
	}

	_ = s.conn.Close()
	waitFor(t, "peer removal", func() bool { return hub.PeerCount() == 0 })
	var matches []string
	waitFor(t, "recorded snapshot", func() bool {
		matches, _ = filepath.Glob(filepath.Join(dir, "*", "snapshots", "*.jsonl"))
		if len(matches) != 1 {
			return false
		}
		fi, err := os.Stat(matches[0])
		return err == nil && fi.Size() > 0
	})
	waitFor(t, "writer release", func() bool { return rec.Count() == 0 })
	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatal("recorded file is empty")
	}
	var record types.SnapshotRecord
	if err := json.Unmarshal(sc.Bytes(), &record); err != nil {
		t.Fatalf("record: %v", err)
	}
	if record.SessionID != latest.SessionID || len(record.Snapshot.TabInfos) != 3 {
		t.Fatalf("record = %+v", record)
	}
}

func TestHubCountsInvalidFrames(t *testing.T) {
	hub := NewHub(Options{})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	s := dialStreamer(t, srv)
	if err := s.conn.Send([]byte("not json")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitFor(t, "invalid frame", func() bool { return hub.Status().InvalidFrames == 1 })
	if _, ok := hub.Latest(); ok {
		t.Fatal("invalid frame replaced the latest snapshot")
	}

	s.send(t, testSnapshot(5))
	waitFor(t, "valid snapshot after invalid frame", func() bool { _, ok := hub.Latest(); return ok })
}

func TestHubLatestWins(t *testing.T) {
	hub := NewHub(Options{})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	s := dialStreamer(t, srv)
	s.send(t, testSnapshot(1, 1))
	s.send(t, testSnapshot(2, 1, 2))
	waitFor(t, "second snapshot", func() bool { return hub.Status().Snapshots == 2 })
	latest, _ := hub.Latest()
	if latest.Snapshot.Timestamp != 2 || len(latest.Snapshot.TabInfos) != 2 {
		t.Fatalf("latest = %+v; want the second snapshot", latest.Snapshot)
	}
}

type rendererTable map[int64]int32

func (r rendererTable) Renderers(context.Context) (map[int64]int32, error) {
	return r, nil
}

func (r rendererTable) Usage(_ context.Context, pid int32) (procstat.Usage, error) {
	return procstat.Usage{RSS: uint64(pid) << 10}, nil
}

func TestHubFeedsProcessStats(t *testing.T) {
	tracker := procstat.NewTracker(rendererTable{4001: 5001, 4002: 5002})
	hub := NewHub(Options{Processes: tracker})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	if got := hub.Processes(); len(got.Tabs) != 0 {
		t.Fatalf("Processes() before any snapshot = %+v; want empty", got)
	}

	s := dialStreamer(t, srv)
	s.send(t, testSnapshot(1000, 1, 2, 3))
	s.send(t, testSnapshot(6000, 1, 2, 3))
	waitFor(t, "process stats", func() bool { return hub.Processes().Timestamp == 6000 })

	got := hub.Processes()
	if len(got.Tabs) != 2 {
		t.Fatalf("tabs = %+v; want the two tabs with live renderers", got.Tabs)
	}
	if top := got.Tabs[0]; top.PID != 5002 || top.TabID != 2 || top.BackgroundTimeSecs != 5 {
		t.Fatalf("first tab = %+v; want pid 5002 backgrounded for 5s", top)
	}
}

func TestHubWithoutProcessStats(t *testing.T) {
	hub := NewHub(Options{})
	if got := hub.Processes(); got.Tabs == nil || len(got.Tabs) != 0 {
		t.Fatalf("Processes() = %+v; want empty list", got)
	}
}

func TestResyncSendsEmptyBinaryFrame(t *testing.T) {
	hub := NewHub(Options{})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	s := dialStreamer(t, srv)
	waitFor(t, "peer registration", func() bool { return hub.PeerCount() == 1 })

	n, err := hub.Resync(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Resync() = %d, %v; want 1, nil", n, err)
	}
	ev := s.next(t)
	if ev.Kind != transport.Message || len(ev.Payload) != 0 {
		t.Fatalf("streamer event = %v %q; want empty message", ev.Kind, ev.Payload)
	}
	if hub.Status().Resyncs != 1 {
		t.Fatalf("Resyncs = %d; want 1", hub.Status().Resyncs)
	}
}

func TestResyncWithoutPeers(t *testing.T) {
	hub := NewHub(Options{})
	if _, err := hub.Resync(context.Background()); !errors.Is(err, ErrNoPeers) {
		t.Fatalf("Resync() error = %v; want ErrNoPeers", err)
	}
}

func TestRunResyncUsesInterval(t *testing.T) {
	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	hub := NewHub(Options{Clock: fc})
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	s := dialStreamer(t, srv)
	waitFor(t, "peer registration", func() bool { return hub.PeerCount() == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.RunResync(ctx, time.Minute)
		close(done)
	}()
	fc.WaitForTimers(1)
	fc.Advance(time.Minute)

	if ev := s.next(t); ev.Kind != transport.Message {
		t.Fatalf("streamer event = %v; want message", ev.Kind)
	}
	cancel()
	<-done
}

func TestRunResyncDisabled(t *testing.T) {
	hub := NewHub(Options{})
	done := make(chan struct{})
	go func() {
		hub.RunResync(context.Background(), 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunResync(0) did not return")
	}
}

func TestCloseDisconnectsStreamers(t *testing.T) {
	hub := NewHub(Options{})
	srv := httptest.NewServer(hub)
	defer srv.Close()

	s := dialStreamer(t, srv)
	waitFor(t, "peer registration", func() bool { return hub.PeerCount() == 1 })
	hub.Close()

	if ev := s.next(t); ev.Kind != transport.Closed && ev.Kind != transport.Errored {
		t.Fatalf("streamer event = %v; want closed or errored", ev.Kind)
	}
	if hub.PeerCount() != 0 {
		t.Fatalf("PeerCount() = %d after Close", hub.PeerCount())
	}
}
