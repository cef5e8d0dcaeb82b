// Package sink is the listening side of the snapshot stream. It accepts
// streamer WebSocket connections, keeps the latest snapshot, records every
// snapshot to disk, feeds per-tab process statistics and can ask
// connected streamers to resend.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/dgnsrekt/tabstream/internal/clock"
	"github.com/dgnsrekt/tabstream/internal/notify"
	"github.com/dgnsrekt/tabstream/internal/procstat"
	"github.com/dgnsrekt/tabstream/internal/relay"
	"github.com/dgnsrekt/tabstream/internal/snapshot"
	"github.com/dgnsrekt/tabstream/internal/storage"
	"github.com/dgnsrekt/tabstream/internal/types"
)

// ErrNoPeers is returned by Resync when no streamer is connected.
var ErrNoPeers = errors.New("sink: no connected streamers")

const (
	defaultWriteTimeout = 5 * time.Second
	processStatsTimeout = 5 * time.Second
)

// Options configures a Hub. Every field is optional.
type Options struct {
	Recorder     *storage.WriterRegistry
	Broker       *relay.Broker
	Notifier     *notify.Notifier
	Processes    *procstat.Tracker
	Clock        clock.Clock
	WriteTimeout time.Duration
}

// Status summarises the hub for the HTTP API.
type Status struct {
	Peers          []types.PeerInfo `json:"peers"`
	Snapshots      int64            `json:"snapshots"`
	InvalidFrames  int64            `json:"invalid_frames"`
	Resyncs        int64            `json:"resyncs"`
	LastSnapshotAt *time.Time       `json:"last_snapshot_at,omitempty"`
}

// Latest is the most recent snapshot and where it came from.
type Latest struct {
	SessionID  string         `json:"session_id"`
	ReceivedAt time.Time      `json:"received_at"`
	Snapshot   types.Snapshot `json:"snapshot"`
}

type snapshotEvent struct {
	SessionID string         `json:"session_id"`
	Tabs      int            `json:"tabs"`
	Snapshot  types.Snapshot `json:"snapshot"`
}

type peerEvent struct {
	SessionID  string `json:"session_id"`
	RemoteAddr string `json:"remote_addr"`
}

type peer struct {
	info   types.PeerInfo
	conn   net.Conn
	reader io.Reader
	wmu    sync.Mutex
}

// Hub tracks connected streamers. It implements http.Handler for the
// WebSocket endpoint.
type Hub struct {
	opts Options

	mu     sync.Mutex
	peers  map[string]*peer
	latest *Latest
	closed bool

	wg sync.WaitGroup

	snapshots atomic.Int64
	invalid   atomic.Int64
	resyncs   atomic.Int64
}

func NewHub(opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Hub{opts: opts, peers: make(map[string]*peer)}
}

// ServeHTTP upgrades the request and serves the streamer until it
// disconnects or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	// Frames sent right after the handshake may already sit in rw.
	var reader io.Reader = conn
	if rw != nil && rw.Reader != nil {
		reader = rw.Reader
	}
	p := &peer{conn: conn, reader: reader}
	p.info = types.PeerInfo{
		SessionID:   uuid.NewString(),
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: h.opts.Clock.Now().UTC(),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.peers[p.info.SessionID] = p
	count := len(h.peers)
	h.wg.Add(1)
	h.mu.Unlock()

	slog.Info("streamer connected", "session_id", p.info.SessionID, "remote", p.info.RemoteAddr, "peers", count)
	h.opts.Broker.PublishJSON(relay.FeedPeerConnect, peerEvent{SessionID: p.info.SessionID, RemoteAddr: p.info.RemoteAddr})
	h.opts.Notifier.Notify(fmt.Sprintf("streamer connected from %s", p.info.RemoteAddr))

	go h.serve(p)
}

// lockedWriter lets wsutil answer pings through the peer's write lock.
type lockedWriter struct {
	io.Reader
	p *peer
}

func (l lockedWriter) Write(b []byte) (int, error) {
	l.p.wmu.Lock()
	defer l.p.wmu.Unlock()
	return l.p.conn.Write(b)
}

func (h *Hub) serve(p *peer) {
	defer h.wg.Done()
	defer h.drop(p)

	rw := lockedWriter{Reader: p.reader, p: p}
	for {
		data, op, err := wsutil.ReadClientData(rw)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				slog.Debug("streamer closed connection", "session_id", p.info.SessionID)
			} else {
				slog.Warn("streamer read failed", "session_id", p.info.SessionID, "error", err)
			}
			return
		}
		if op != ws.OpText {
			continue
		}
		h.receive(p, data)
	}
}

func (h *Hub) receive(p *peer, data []byte) {
	snap, err := snapshot.Decode(data)
	if err != nil {
		h.invalid.Add(1)
		h.mu.Lock()
		p.info.InvalidFrames++
		h.mu.Unlock()
		slog.Warn("dropping invalid snapshot frame", "session_id", p.info.SessionID, "bytes", len(data), "error", err)
		return
	}

	now := h.opts.Clock.Now().UTC()
	h.snapshots.Add(1)
	h.mu.Lock()
	p.info.Snapshots++
	p.info.LastSnapshotAt = &now
	h.latest = &Latest{SessionID: p.info.SessionID, ReceivedAt: now, Snapshot: snap}
	h.mu.Unlock()

	slog.Debug("snapshot received", "session_id", p.info.SessionID, "tabs", len(snap.TabInfos), "timestamp", snap.Timestamp)

	if h.opts.Recorder != nil {
		rec := types.SnapshotRecord{ReceivedAt: now, SessionID: p.info.SessionID, Snapshot: snap}
		if err := h.opts.Recorder.Writer(p.info.SessionID).Write(rec); err != nil {
			slog.Warn("snapshot record dropped", "session_id", p.info.SessionID, "error", err)
		}
	}
	h.opts.Broker.PublishJSON(relay.FeedSnapshot, snapshotEvent{SessionID: p.info.SessionID, Tabs: len(snap.TabInfos), Snapshot: snap})

	if h.opts.Processes != nil {
		ctx, cancel := context.WithTimeout(context.Background(), processStatsTimeout)
		err := h.opts.Processes.Update(ctx, snap)
		cancel()
		if err != nil {
			slog.Warn("process stats not updated", "session_id", p.info.SessionID, "error", err)
		}
	}
}

func (h *Hub) drop(p *peer) {
	_ = p.conn.Close()

	h.mu.Lock()
	delete(h.peers, p.info.SessionID)
	count := len(h.peers)
	info := p.info
	h.mu.Unlock()

	if h.opts.Recorder != nil {
		if err := h.opts.Recorder.Release(info.SessionID); err != nil {
			slog.Warn("failed to close snapshot file", "session_id", info.SessionID, "error", err)
		}
	}
	slog.Info("streamer disconnected", "session_id", info.SessionID, "snapshots", info.Snapshots, "peers", count)
	h.opts.Broker.PublishJSON(relay.FeedPeerDisconnect, peerEvent{SessionID: info.SessionID, RemoteAddr: info.RemoteAddr})
	h.opts.Notifier.Notify(fmt.Sprintf("streamer %s disconnected after %d snapshots", info.RemoteAddr, info.Snapshots))
}

// Resync asks every connected streamer to send a fresh snapshot by
// writing an empty binary frame. It returns how many peers were reached.
func (h *Hub) Resync(ctx context.Context) (int, error) {
	peers := h.snapshotPeers()
	if len(peers) == 0 {
		return 0, ErrNoPeers
	}

	deadline := time.Now().Add(h.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	sent := 0
	for _, p := range peers {
		if ctx.Err() != nil {
			break
		}
		p.wmu.Lock()
		_ = p.conn.SetWriteDeadline(deadline)
		err := wsutil.WriteServerBinary(p.conn, nil)
		_ = p.conn.SetWriteDeadline(time.Time{})
		p.wmu.Unlock()
		if err != nil {
			slog.Warn("resync request failed", "session_id", p.info.SessionID, "error", err)
			continue
		}
		sent++
	}
	h.resyncs.Add(1)
	h.opts.Broker.PublishJSON(relay.FeedResync, map[string]int{"peers": sent})
	slog.Info("resync requested", "peers", sent)
	if sent == 0 {
		return 0, fmt.Errorf("sink: resync reached no streamer: %w", ErrNoPeers)
	}
	return sent, nil
}

// RunResync calls Resync every interval until ctx is done. A zero
// interval returns immediately.
func (h *Hub) RunResync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := h.opts.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.Resync(ctx); err != nil && !errors.Is(err, ErrNoPeers) {
				slog.Warn("periodic resync failed", "error", err)
			}
		}
	}
}

// Latest returns the most recent snapshot, or false when none arrived.
func (h *Hub) Latest() (Latest, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return Latest{}, false
	}
	return *h.latest, true
}

// Processes returns per-tab process statistics as of the latest
// snapshot. It is empty when process stats are disabled.
func (h *Hub) Processes() procstat.Report {
	return h.opts.Processes.Report()
}

// PeerCount returns the number of connected streamers.
func (h *Hub) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *Hub) Status() Status {
	h.mu.Lock()
	peers := make([]types.PeerInfo, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p.info)
	}
	var last *time.Time
	if h.latest != nil {
		at := h.latest.ReceivedAt
		last = &at
	}
	h.mu.Unlock()

	return Status{
		Peers:          peers,
		Snapshots:      h.snapshots.Load(),
		InvalidFrames:  h.invalid.Load(),
		Resyncs:        h.resyncs.Load(),
		LastSnapshotAt: last,
	}
}

// Close disconnects every streamer and waits for their loops to finish.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.wmu.Lock()
		_ = p.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = ws.WriteFrame(p.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "shutting down")))
		p.wmu.Unlock()
		_ = p.conn.Close()
	}
	h.wg.Wait()
}

func (h *Hub) snapshotPeers() []*peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	return peers
}
