// Package cdp implements the tab inventory over the Chrome DevTools
// Protocol. It talks to the browser endpoint only: targets are listed
// and watched from the browser session and never attached to.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/tabstream/internal/clock"
	"github.com/dgnsrekt/tabstream/internal/inventory"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultPIDCacheTTL = time.Second
	changeBuffer       = 256
	windowLookups      = 8

	// noWindow is the windowId reported when the browser cannot place a
	// target in a window.
	noWindow int64 = -1
)

// Options configures a Provider.
type Options struct {
	// HTTPBase is the DevTools HTTP endpoint, e.g. http://127.0.0.1:9222.
	HTTPBase    string
	Timeout     time.Duration
	PIDCacheTTL time.Duration
	// Exclude drops tabs whose URL contains any of these substrings
	// (case-insensitive).
	Exclude []string
	Clock   clock.Clock
}

// Provider is an inventory.Provider and inventory.ChangeSource backed by
// a browser's DevTools endpoint.
type Provider struct {
	raw      *rawCDP
	timeout  time.Duration
	exclude  []string
	registry *Registry
	pids     *pidTable
	changes  chan inventory.Change

	connectMu sync.Mutex
	unsub     []func()
}

// NewProvider creates a Provider. It connects lazily on first use.
func NewProvider(opts Options) *Provider {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.PIDCacheTTL <= 0 {
		opts.PIDCacheTTL = defaultPIDCacheTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	exclude := make([]string, 0, len(opts.Exclude))
	for _, e := range opts.Exclude {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			exclude = append(exclude, e)
		}
	}

	p := &Provider{
		raw:      newRawCDP(opts.HTTPBase),
		timeout:  opts.Timeout,
		exclude:  exclude,
		registry: NewRegistry(),
		changes:  make(chan inventory.Change, changeBuffer),
	}
	p.pids = newPIDTable(p.raw.traceFrames, opts.Clock, opts.PIDCacheTTL)
	p.raw.onDisconnect = func() {
		slog.Warn("CDP connection lost, will reconnect on next capture")
		p.pids.invalidate()
	}
	p.unsub = []func(){
		p.raw.registerEventHandler("Target.targetCreated", p.onTargetCreated),
		p.raw.registerEventHandler("Target.targetInfoChanged", p.onTargetInfoChanged),
		p.raw.registerEventHandler("Target.targetDestroyed", p.onTargetDestroyed),
	}
	return p
}

// Connect opens the browser session and turns on target discovery. It
// is a no-op when the session is already open.
func (p *Provider) Connect(ctx context.Context) error {
	p.connectMu.Lock()
	defer p.connectMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	fresh, err := p.raw.connect(ctx)
	if err != nil {
		return newError(CodeCDPUnavailable, "connect to browser", err)
	}
	if !fresh {
		return nil
	}
	params := target.SetDiscoverTargetsParams{Discover: true}
	if err := p.raw.call(ctx, target.CommandSetDiscoverTargets, params, nil); err != nil {
		p.raw.close()
		return newError(CodeCDPUnavailable, "enable target discovery", err)
	}
	slog.Info("Connected to browser DevTools", "endpoint", p.raw.httpBase)
	return nil
}

// ListEntities returns the open page targets in browser order.
func (p *Provider) ListEntities(ctx context.Context) ([]inventory.Entity, error) {
	if err := p.Connect(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var res target.GetTargetsReturns
	if err := p.raw.call(ctx, target.CommandGetTargets, nil, &res); err != nil {
		return nil, newError(CodeCDPUnavailable, "list targets", err)
	}

	live := make(map[target.ID]struct{}, len(res.TargetInfos))
	pages := make([]*target.Info, 0, len(res.TargetInfos))
	for _, info := range res.TargetInfos {
		if !isPage(info) {
			continue
		}
		live[info.TargetID] = struct{}{}
		if p.excluded(info.URL) {
			continue
		}
		pages = append(pages, info)
	}
	if dropped := p.registry.Retain(live); dropped > 0 {
		slog.Debug("forgot vanished targets", "count", dropped)
	}

	entities := make([]inventory.Entity, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(windowLookups)
	for i, info := range pages {
		entities[i] = inventory.Entity{
			ID:       p.registry.ID(info.TargetID),
			URL:      info.URL,
			Title:    info.Title,
			WindowID: noWindow,
		}
		g.Go(func() error {
			var win browser.GetWindowForTargetReturns
			params := browser.GetWindowForTargetParams{TargetID: info.TargetID}
			if err := p.raw.call(gctx, browser.CommandGetWindowForTarget, params, &win); err != nil {
				slog.Debug("window lookup failed", "target_id", info.TargetID, "error", err)
				return nil
			}
			entities[i].WindowID = int64(win.WindowID)
			return nil
		})
	}
	_ = g.Wait()
	return entities, nil
}

// ResolveProcessID returns the renderer pid hosting the tab's main frame.
func (p *Provider) ResolveProcessID(ctx context.Context, id int64) (int64, error) {
	targetID, ok := p.registry.Lookup(id)
	if !ok {
		return 0, unresolved(CodeTargetNotFound, fmt.Sprintf("tab %d is not tracked", id), nil)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	// A page target's id is also its main frame id.
	return p.pids.lookup(ctx, string(targetID))
}

// Changes returns target lifecycle changes. DevTools reports no tab
// focus, so Activated is never sent.
func (p *Provider) Changes() <-chan inventory.Change {
	return p.changes
}

// Close drops the browser session and stops watching targets.
func (p *Provider) Close() {
	for _, u := range p.unsub {
		u()
	}
	p.raw.close()
}

func (p *Provider) onTargetCreated(params json.RawMessage) {
	var ev target.EventTargetCreated
	if json.Unmarshal(params, &ev) != nil || !isPage(ev.TargetInfo) || p.excluded(ev.TargetInfo.URL) {
		return
	}
	p.emit(inventory.Created, p.registry.ID(ev.TargetInfo.TargetID))
}

func (p *Provider) onTargetInfoChanged(params json.RawMessage) {
	var ev target.EventTargetInfoChanged
	if json.Unmarshal(params, &ev) != nil || !isPage(ev.TargetInfo) {
		return
	}
	if p.excluded(ev.TargetInfo.URL) {
		// Navigating into an excluded URL removes the tab from view.
		if id, ok := p.registry.Peek(ev.TargetInfo.TargetID); ok {
			p.emit(inventory.Removed, id)
		}
		return
	}
	p.emit(inventory.Updated, p.registry.ID(ev.TargetInfo.TargetID))
}

func (p *Provider) onTargetDestroyed(params json.RawMessage) {
	var ev target.EventTargetDestroyed
	if json.Unmarshal(params, &ev) != nil {
		return
	}
	if id, ok := p.registry.Remove(ev.TargetID); ok {
		p.emit(inventory.Removed, id)
	}
}

func (p *Provider) emit(kind inventory.ChangeKind, id int64) {
	select {
	case p.changes <- inventory.Change{Kind: kind, TabID: id}:
	default:
		slog.Debug("change feed full, dropping change", "change", kind.String(), "tab_id", id)
	}
}

func (p *Provider) excluded(url string) bool {
	lower := strings.ToLower(url)
	for _, e := range p.exclude {
		if strings.Contains(lower, e) {
			return true
		}
	}
	return false
}

func isPage(info *target.Info) bool {
	return info != nil && info.Type == "page" && info.Subtype != "prerender"
}
