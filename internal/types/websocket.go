package types

import "time"

// PeerInfo describes a streamer connected to the sink.
type PeerInfo struct {
	SessionID      string     `json:"session_id"`
	RemoteAddr     string     `json:"remote_addr"`
	ConnectedAt    time.Time  `json:"connected_at"`
	Snapshots      int64      `json:"snapshots"`
	InvalidFrames  int64      `json:"invalid_frames"`
	LastSnapshotAt *time.Time `json:"last_snapshot_at,omitempty"`
}

// SnapshotRecord is the JSONL line the sink stores for every received
// snapshot.
type SnapshotRecord struct {
	ReceivedAt time.Time `json:"received_at"`
	SessionID  string    `json:"session_id"`
	Snapshot   Snapshot  `json:"snapshot"`
}
