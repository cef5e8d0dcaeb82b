package procstat

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v4/process"
)

const rendererFlag = "--renderer-client-id="

// SystemSampler reads renderer processes from the OS. Process handles
// are kept between calls so CPU usage is measured from one snapshot to
// the next.
type SystemSampler struct {
	browser string

	mu    sync.Mutex
	procs map[int32]*process.Process
}

// NewSystemSampler matches renderers whose process name equals browser,
// or any process carrying a renderer id when browser is empty.
func NewSystemSampler(browser string) *SystemSampler {
	return &SystemSampler{browser: browser, procs: make(map[int32]*process.Process)}
}

func (s *SystemSampler) Renderers(ctx context.Context) (map[int64]int32, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[int64]int32)
	for _, p := range procs {
		if s.browser != "" {
			name, err := p.NameWithContext(ctx)
			if err != nil || name != s.browser {
				continue
			}
		}
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil {
			continue
		}
		if id, ok := rendererID(args); ok {
			out[id] = p.Pid
		}
	}

	s.mu.Lock()
	live := make(map[int32]bool, len(out))
	for _, pid := range out {
		live[pid] = true
	}
	for pid := range s.procs {
		if !live[pid] {
			delete(s.procs, pid)
		}
	}
	s.mu.Unlock()
	return out, nil
}

func (s *SystemSampler) Usage(ctx context.Context, pid int32) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[pid]
	if !ok {
		var err error
		p, err = process.NewProcessWithContext(ctx, pid)
		if err != nil {
			return Usage{}, err
		}
		s.procs[pid] = p
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		delete(s.procs, pid)
		return Usage{}, err
	}
	// The first reading of a new handle is 0.
	cpu, err := p.PercentWithContext(ctx, 0)
	if err != nil {
		delete(s.procs, pid)
		return Usage{}, err
	}
	return Usage{RSS: mem.RSS, CPUPercent: cpu}, nil
}

// rendererID finds the renderer client id in a command line. Browsers
// that rewrite their process title pack every flag into one argument,
// so arguments are split on whitespace too.
func rendererID(args []string) (int64, bool) {
	for _, arg := range args {
		for _, field := range strings.Fields(arg) {
			v, ok := strings.CutPrefix(field, rendererFlag)
			if !ok {
				continue
			}
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, false
			}
			return id, true
		}
	}
	return 0, false
}
