package config

import (
	"strings"
	"time"
)

// SinkConfig holds configuration for the tabsink listener.
type SinkConfig struct {
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Storage settings
	DataDir       string
	MaxFileSizeMB int
	BufferSize    int

	ResyncIntervalMS int
	ResyncPerMinute  int
	NtfyURL          string

	// Per-tab process stats
	ProcessStats   bool
	BrowserProcess string

	LogLevel string
	LogFile  string
}

// LoadSink reads sink configuration from environment variables, after
// loading envFile (or ./.env when empty).
func LoadSink(envFile string) (*SinkConfig, error) {
	loadDotEnv(envFile)

	cfg := &SinkConfig{
		BindAddr:         getEnvOrDefault("TABSINK_BIND_ADDR", "127.0.0.1:60000"),
		PortCandidates:   getEnvListOrDefault("TABSINK_PORT_CANDIDATES", []string{"127.0.0.1:60001", "127.0.0.1:60002"}),
		PortAutoFallback: getEnvBoolOrDefault("TABSINK_PORT_AUTO_FALLBACK", false),
		DataDir:          getEnvOrDefault("TABSINK_DATA_DIR", "./tab_data"),
		MaxFileSizeMB:    getEnvIntOrDefault("TABSINK_MAX_FILE_SIZE_MB", 100),
		BufferSize:       getEnvIntOrDefault("TABSINK_BUFFER_SIZE", 1000),
		ResyncIntervalMS: getEnvIntOrDefault("TABSINK_RESYNC_INTERVAL_MS", 0),
		ResyncPerMinute:  getEnvIntOrDefault("TABSINK_RESYNC_PER_MINUTE", 30),
		NtfyURL:          getEnvOrDefault("TABSINK_NTFY_URL", ""),
		ProcessStats:     getEnvBoolOrDefault("TABSINK_PROCESS_STATS", true),
		BrowserProcess:   getEnvOrDefault("TABSINK_BROWSER_PROCESS", ""),
		LogLevel:         strings.ToLower(getEnvOrDefault("TABSINK_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("TABSINK_LOG_FILE", "logs/tabsink.log"),
	}
	if cfg.MaxFileSizeMB < 1 {
		cfg.MaxFileSizeMB = 1
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	if cfg.ResyncPerMinute < 1 {
		cfg.ResyncPerMinute = 1
	}
	return cfg, nil
}

// ResyncInterval returns the periodic resync interval; zero means off.
func (c *SinkConfig) ResyncInterval() time.Duration {
	if c.ResyncIntervalMS <= 0 {
		return 0
	}
	return ms(c.ResyncIntervalMS)
}
