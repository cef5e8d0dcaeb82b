package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgnsrekt/tabstream/internal/clock"
	"github.com/dgnsrekt/tabstream/internal/inventory"
	"github.com/dgnsrekt/tabstream/internal/types"
)

// Builder captures Snapshots from an inventory provider. It holds no
// state between captures.
type Builder struct {
	provider inventory.Provider
	clock    clock.Clock
}

// NewBuilder creates a Builder. A nil clock means the wall clock.
func NewBuilder(provider inventory.Provider, clk clock.Clock) *Builder {
	if clk == nil {
		clk = clock.Real()
	}
	return &Builder{provider: provider, clock: clk}
}

// Capture enumerates the inventory and resolves every tab's process id
// in parallel. Enumeration failure is returned wrapped in
// inventory.ErrInventoryUnavailable; per-tab resolution failures only
// leave that tab's BrowserInnerPid nil.
func (b *Builder) Capture(ctx context.Context) (types.Snapshot, error) {
	entities, err := b.provider.ListEntities(ctx)
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("%w: %w", inventory.ErrInventoryUnavailable, err)
	}

	tabs := make([]types.TabInfo, len(entities))
	var wg sync.WaitGroup
	for i, e := range entities {
		tabs[i] = types.TabInfo{
			ID:       e.ID,
			URL:      e.URL,
			Title:    e.Title,
			WindowID: e.WindowID,
		}
		wg.Add(1)
		go func(tab *types.TabInfo) {
			defer wg.Done()
			pid, err := b.provider.ResolveProcessID(ctx, tab.ID)
			if err != nil {
				slog.Debug("process id unresolved", "tab_id", tab.ID, "error", err)
				return
			}
			tab.BrowserInnerPid = types.PID(pid)
		}(&tabs[i])
	}
	wg.Wait()

	return types.Snapshot{
		Timestamp: b.clock.Now().UnixMilli(),
		TabInfos:  tabs,
	}, nil
}
