package types

// TabInfo is one browser tab as it appears inside a Snapshot.
// BrowserInnerPid is nil when the renderer process could not be resolved.
type TabInfo struct {
	ID              int64  `json:"id"`
	URL             string `json:"url"`
	Title           string `json:"title"`
	WindowID        int64  `json:"windowId"`
	BrowserInnerPid *int64 `json:"browserInnerPid,omitempty"`
}

// Snapshot is one timestamped capture of every tracked tab. It is the
// payload of a single text frame on the wire.
type Snapshot struct {
	Timestamp int64     `json:"timestamp"`
	TabInfos  []TabInfo `json:"tabInfos"`
}

// PID returns a pointer suitable for TabInfo.BrowserInnerPid.
func PID(pid int64) *int64 { return &pid }
