// Package procstat turns received snapshots into per-tab process
// statistics. Each tab's browserInnerPid is matched to the renderer
// process that carries it, and the tracker remembers when every renderer
// last saw activity and last used CPU.
package procstat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dgnsrekt/tabstream/internal/types"
)

// newTabTitle is the title of an empty tab. Such tabs never count as
// backgrounded.
const newTabTitle = "New Tab"

// Usage is one reading of a process.
type Usage struct {
	RSS        uint64
	CPUPercent float64
}

// Sampler reads OS process state. *SystemSampler implements it.
type Sampler interface {
	// Renderers maps browser renderer ids (browserInnerPid) to OS pids.
	Renderers(ctx context.Context) (map[int64]int32, error)
	Usage(ctx context.Context, pid int32) (Usage, error)
}

// TabStat is one tab and the renderer process behind it.
type TabStat struct {
	TabID              int64   `json:"tab_id"`
	Title              string  `json:"title"`
	URL                string  `json:"url"`
	PID                int32   `json:"pid"`
	BrowserInnerPid    int64   `json:"browser_inner_pid"`
	RSS                uint64  `json:"rss" doc:"Resident set size in bytes"`
	CPUUsage           float64 `json:"cpu_usage" doc:"CPU percent since the previous snapshot"`
	Foreground         bool    `json:"foreground" doc:"Tab navigated in the latest snapshot"`
	BackgroundTimeSecs float64 `json:"background_time_secs"`
	CPUIdleTimeSecs    float64 `json:"cpu_idle_time_secs"`
}

// Report is the tracker state as of the latest snapshot.
type Report struct {
	Timestamp int64     `json:"timestamp" doc:"Snapshot timestamp in unix milliseconds"`
	Tabs      []TabStat `json:"tab_infos"`
}

type tracked struct {
	tab        types.TabInfo
	usage      Usage
	foreground bool
}

// Tracker keeps per-renderer statistics across snapshots. All times are
// snapshot timestamps, so stats follow the streamer's clock.
type Tracker struct {
	sampler Sampler

	mu              sync.Mutex
	timestamp       int64
	tabs            map[int32]tracked
	backgroundSince map[int32]int64
	idleSince       map[int32]int64
}

func NewTracker(sampler Sampler) *Tracker {
	return &Tracker{
		sampler:         sampler,
		tabs:            make(map[int32]tracked),
		backgroundSince: make(map[int32]int64),
		idleSince:       make(map[int32]int64),
	}
}

// Update folds one snapshot into the tracker. Tabs without a
// browserInnerPid, or whose renderer is gone, are left out. When no
// renderer is running at all the tracker is cleared.
func (t *Tracker) Update(ctx context.Context, snap types.Snapshot) error {
	renderers, err := t.sampler.Renderers(ctx)
	if err != nil {
		return fmt.Errorf("procstat: list renderers: %w", err)
	}

	current := make(map[int32]types.TabInfo, len(snap.TabInfos))
	for _, tab := range snap.TabInfos {
		if tab.BrowserInnerPid == nil {
			continue
		}
		pid, ok := renderers[*tab.BrowserInnerPid]
		if !ok {
			continue
		}
		current[pid] = tab
	}

	usage := make(map[int32]Usage, len(current))
	for pid := range current {
		u, err := t.sampler.Usage(ctx, pid)
		if err != nil {
			slog.Debug("renderer usage unavailable", "pid", pid, "error", err)
			delete(current, pid)
			continue
		}
		usage[pid] = u
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := snap.Timestamp
	tabs := make(map[int32]tracked, len(current))
	background := make(map[int32]int64, len(current))
	idle := make(map[int32]int64, len(current))
	for pid, tab := range current {
		prev, seen := t.tabs[pid]
		fg := seen && prev.tab.URL != tab.URL
		tabs[pid] = tracked{tab: tab, usage: usage[pid], foreground: fg}

		if tab.Title != newTabTitle {
			since, ok := t.backgroundSince[pid]
			if !ok || fg {
				since = now
			}
			background[pid] = since
		}

		since, ok := t.idleSince[pid]
		if !ok || usage[pid].CPUPercent != 0 {
			since = now
		}
		idle[pid] = since
	}

	t.timestamp = now
	t.tabs = tabs
	t.backgroundSince = background
	t.idleSince = idle
	return nil
}

// Report returns the tracked tabs, largest resident set first.
func (t *Tracker) Report() Report {
	if t == nil {
		return Report{Tabs: []TabStat{}}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := Report{Timestamp: t.timestamp, Tabs: make([]TabStat, 0, len(t.tabs))}
	for pid, tr := range t.tabs {
		st := TabStat{
			TabID:      tr.tab.ID,
			Title:      tr.tab.Title,
			URL:        tr.tab.URL,
			PID:        pid,
			RSS:        tr.usage.RSS,
			CPUUsage:   tr.usage.CPUPercent,
			Foreground: tr.foreground,
		}
		if tr.tab.BrowserInnerPid != nil {
			st.BrowserInnerPid = *tr.tab.BrowserInnerPid
		}
		if since, ok := t.backgroundSince[pid]; ok {
			st.BackgroundTimeSecs = float64(t.timestamp-since) / 1000
		}
		if since, ok := t.idleSince[pid]; ok {
			st.CPUIdleTimeSecs = float64(t.timestamp-since) / 1000
		}
		out.Tabs = append(out.Tabs, st)
	}
	sort.Slice(out.Tabs, func(i, j int) bool {
		if out.Tabs[i].RSS != out.Tabs[j].RSS {
			return out.Tabs[i].RSS > out.Tabs[j].RSS
		}
		return out.Tabs[i].PID < out.Tabs[j].PID
	})
	return out
}
