package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// StreamerConfig holds configuration for the tabstream background process.
type StreamerConfig struct {
	// CDP connection settings
	CDPAddress   string
	CDPPort      int
	CDPTimeoutMS int

	// Listener endpoint
	ListenerAddr string
	ListenerPath string

	// Dispatch and reconnect behaviour
	PeriodicIntervalMS int
	BackoffFloorMS     int
	BackoffCeilingMS   int
	BackoffFactor      float64
	PIDCacheTTLMS      int

	FiltersPath string

	// Optional managed browser
	LaunchBrowser     bool
	BrowserProfileDir string

	LogLevel string
	LogFile  string
}

// LoadStreamer reads streamer configuration from environment variables,
// after loading envFile (or ./.env when empty).
func LoadStreamer(envFile string) (*StreamerConfig, error) {
	loadDotEnv(envFile)

	cfg := &StreamerConfig{
		CDPAddress:         getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:            getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		CDPTimeoutMS:       getEnvIntOrDefault("TABSTREAM_CDP_TIMEOUT_MS", 5000),
		ListenerAddr:       getEnvOrDefault("TABSTREAM_LISTENER_ADDR", "127.0.0.1:60000"),
		ListenerPath:       getEnvOrDefault("TABSTREAM_LISTENER_PATH", "/"),
		PeriodicIntervalMS: getEnvIntOrDefault("TABSTREAM_PERIODIC_INTERVAL_MS", 5000),
		BackoffFloorMS:     getEnvIntOrDefault("TABSTREAM_BACKOFF_FLOOR_MS", 100),
		BackoffCeilingMS:   getEnvIntOrDefault("TABSTREAM_BACKOFF_CEILING_MS", 30000),
		BackoffFactor:      getEnvFloatOrDefault("TABSTREAM_BACKOFF_FACTOR", 2.0),
		PIDCacheTTLMS:      getEnvIntOrDefault("TABSTREAM_PID_CACHE_TTL_MS", 1000),
		FiltersPath:        getEnvOrDefault("TABSTREAM_FILTERS", "./config/filters.yaml"),
		LaunchBrowser:      getEnvBoolOrDefault("TABSTREAM_LAUNCH_BROWSER", false),
		BrowserProfileDir:  getEnvOrDefault("TABSTREAM_BROWSER_PROFILE_DIR", "./browser_profile"),
		LogLevel:           strings.ToLower(getEnvOrDefault("TABSTREAM_LOG_LEVEL", "info")),
		LogFile:            getEnvOrDefault("TABSTREAM_LOG_FILE", "logs/tabstream.log"),
	}
	if cfg.CDPTimeoutMS < 500 {
		cfg.CDPTimeoutMS = 500
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *StreamerConfig) validate() error {
	if _, _, err := net.SplitHostPort(c.ListenerAddr); err != nil {
		return fmt.Errorf("TABSTREAM_LISTENER_ADDR %q: %w", c.ListenerAddr, err)
	}
	if c.BackoffFloorMS <= 0 {
		return fmt.Errorf("TABSTREAM_BACKOFF_FLOOR_MS must be positive, got %d", c.BackoffFloorMS)
	}
	if c.BackoffCeilingMS < c.BackoffFloorMS {
		return fmt.Errorf("TABSTREAM_BACKOFF_CEILING_MS (%d) is below the floor (%d)", c.BackoffCeilingMS, c.BackoffFloorMS)
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("TABSTREAM_BACKOFF_FACTOR must be >= 1, got %g", c.BackoffFactor)
	}
	return nil
}

// CDPURL returns the DevTools HTTP endpoint.
func (c *StreamerConfig) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

// PeriodicInterval returns the safety-net capture interval. Zero or less
// disables the periodic trigger.
func (c *StreamerConfig) PeriodicInterval() time.Duration {
	if c.PeriodicIntervalMS <= 0 {
		return -1
	}
	return ms(c.PeriodicIntervalMS)
}

func (c *StreamerConfig) BackoffFloor() time.Duration   { return ms(c.BackoffFloorMS) }
func (c *StreamerConfig) BackoffCeiling() time.Duration { return ms(c.BackoffCeilingMS) }
func (c *StreamerConfig) CDPTimeout() time.Duration     { return ms(c.CDPTimeoutMS) }
func (c *StreamerConfig) PIDCacheTTL() time.Duration    { return ms(c.PIDCacheTTLMS) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
