// Package browser optionally starts a Chromium-family browser with the
// DevTools endpoint tabstream reads the inventory from.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
	"time"
)

const defaultReadyTimeout = 15 * time.Second

// Config holds browser launch configuration.
type Config struct {
	CDPAddress string
	CDPPort    int
	ProfileDir string
	// BinaryPath skips detection when set.
	BinaryPath   string
	StartURLs    []string
	ReadyTimeout time.Duration
}

// Launcher manages the lifecycle of a browser process it started.
type Launcher struct {
	cfg Config
	cmd *exec.Cmd
}

func NewLauncher(cfg Config) *Launcher {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	return &Launcher{cfg: cfg}
}

var browserCandidates = []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable", "brave-browser"}

// detectBrowser finds an available Chrome/Chromium binary.
func detectBrowser() (string, error) {
	for _, name := range browserCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath, nil
		}
	}
	return "", fmt.Errorf("no supported browser found (tried %v)", browserCandidates)
}

func (l *Launcher) hostPort() string {
	return net.JoinHostPort(l.cfg.CDPAddress, strconv.Itoa(l.cfg.CDPPort))
}

// endpointUp reports whether something already listens on the CDP port.
func (l *Launcher) endpointUp() bool {
	conn, err := net.DialTimeout("tcp", l.hostPort(), time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (l *Launcher) args() []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(l.cfg.CDPPort),
		"--remote-debugging-address=" + l.cfg.CDPAddress,
		"--user-data-dir=" + l.cfg.ProfileDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-dev-shm-usage",
	}
	return append(args, l.cfg.StartURLs...)
}

// Launch starts the browser unless the CDP endpoint is already up, then
// waits for /json/version to answer.
func (l *Launcher) Launch(ctx context.Context) error {
	if l.endpointUp() {
		slog.Info("browser already running, skipping launch", "cdp", l.hostPort())
		return nil
	}

	path := l.cfg.BinaryPath
	if path == "" {
		var err error
		if path, err = detectBrowser(); err != nil {
			return err
		}
	}
	slog.Info("detected browser", "path", path)

	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	l.cmd = exec.Command(path, l.args()...)
	l.cmd.Stdout = os.Stdout
	l.cmd.Stderr = os.Stderr
	if err := l.cmd.Start(); err != nil {
		l.cmd = nil
		return fmt.Errorf("start browser: %w", err)
	}
	slog.Info("browser process started", "pid", l.cmd.Process.Pid)

	if err := waitForCDP(ctx, "http://"+l.hostPort()+"/json/version", l.cfg.ReadyTimeout); err != nil {
		l.Stop()
		return fmt.Errorf("waiting for CDP: %w", err)
	}
	slog.Info("CDP endpoint ready", "cdp", l.hostPort())
	return nil
}

// waitForCDP polls url until it answers 200 or timeout passes.
func waitForCDP(ctx context.Context, url string, timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	client := &http.Client{Timeout: time.Second}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("CDP did not become ready within %s at %s", timeout, url)
		case <-ticker.C:
			resp, err := client.Get(url)
			if err != nil {
				continue
			}
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

// Running reports whether this launcher owns a browser process.
func (l *Launcher) Running() bool {
	return l.cmd != nil
}

// Stop terminates a browser this launcher started with SIGTERM, falling
// back to SIGKILL. Browsers that were already running are left alone.
func (l *Launcher) Stop() {
	if l.cmd == nil || l.cmd.Process == nil {
		return
	}
	slog.Info("stopping browser", "pid", l.cmd.Process.Pid)
	_ = l.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = l.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("browser stopped gracefully")
	case <-time.After(5 * time.Second):
		slog.Warn("browser did not exit, sending SIGKILL")
		_ = l.cmd.Process.Kill()
		<-done
	}
	l.cmd = nil
}
