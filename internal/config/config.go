package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the HTTP and WebSocket listener binds.
	DefaultAddr = ":43127"
	// DefaultGRPCAddr is the default TCP address of the gRPC frame stream.
	DefaultGRPCAddr = ":43128"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 16
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 64

	// DefaultSeed seeds the scene when no override is supplied.
	DefaultSeed = "floating-spheres"
	// DefaultTickHz is the fixed simulation frequency.
	DefaultTickHz = 60.0
	// DefaultBandwidthBytesPerSecond caps per-client frame throughput.
	DefaultBandwidthBytesPerSecond = 4 << 20
	// DefaultSendNeighbors includes packed neighbor buffers in published frames.
	DefaultSendNeighbors = true

	// DefaultReplayMaxBundles limits how many replay bundles are retained.
	DefaultReplayMaxBundles = 20
	// DefaultReplayMaxAge bounds how long replay bundles are retained.
	DefaultReplayMaxAge = 7 * 24 * time.Hour
	// DefaultReplayDumpWindow bounds how frequently replay dump triggers may be requested.
	DefaultReplayDumpWindow = time.Minute
	// DefaultReplayDumpBurst sets how many replay dump requests may be made per window.
	DefaultReplayDumpBurst = 1
	// DefaultSessionTTL bounds how long a viewer session token stays valid.
	DefaultSessionTTL = 12 * time.Hour

	// DefaultLogLevel controls verbosity for service logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "spheres.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the simulation service.
type Config struct {
	Address                 string
	GRPCAddress             string
	AllowedOrigins          []string
	MaxPayloadBytes         int64
	PingInterval            time.Duration
	MaxClients              int
	AdminToken              string
	SessionSecret           string
	SessionTTL              time.Duration
	Seed                    string
	ScenePath               string
	Mobile                  bool
	TickHz                  float64
	BandwidthBytesPerSecond float64
	SendNeighbors           bool
	ReplayDir               string
	ReplayMaxBundles        int
	ReplayMaxAge            time.Duration
	ReplayDumpWindow        time.Duration
	ReplayDumpBurst         int
	Logging                 LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the service configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:                 getString("SPHERES_ADDR", DefaultAddr),
		GRPCAddress:             getString("SPHERES_GRPC_ADDR", DefaultGRPCAddr),
		AllowedOrigins:          parseList(os.Getenv("SPHERES_ALLOWED_ORIGINS")),
		MaxPayloadBytes:         DefaultMaxPayloadBytes,
		PingInterval:            DefaultPingInterval,
		MaxClients:              DefaultMaxClients,
		AdminToken:              strings.TrimSpace(os.Getenv("SPHERES_ADMIN_TOKEN")),
		SessionSecret:           strings.TrimSpace(os.Getenv("SPHERES_SESSION_SECRET")),
		SessionTTL:              DefaultSessionTTL,
		Seed:                    getString("SPHERES_SEED", DefaultSeed),
		ScenePath:               strings.TrimSpace(os.Getenv("SPHERES_SCENE_PATH")),
		TickHz:                  DefaultTickHz,
		BandwidthBytesPerSecond: DefaultBandwidthBytesPerSecond,
		SendNeighbors:           DefaultSendNeighbors,
		ReplayDir:               strings.TrimSpace(os.Getenv("SPHERES_REPLAY_DIR")),
		ReplayMaxBundles:        DefaultReplayMaxBundles,
		ReplayMaxAge:            DefaultReplayMaxAge,
		ReplayDumpWindow:        DefaultReplayDumpWindow,
		ReplayDumpBurst:         DefaultReplayDumpBurst,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("SPHERES_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("SPHERES_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("SPHERES_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SPHERES_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPHERES_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("SPHERES_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPHERES_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SPHERES_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPHERES_TICK_HZ")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 || value > 1000 {
			problems = append(problems, fmt.Sprintf("SPHERES_TICK_HZ must be a frequency in (0, 1000], got %q", raw))
		} else {
			cfg.TickHz = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPHERES_BANDWIDTH_BPS")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SPHERES_BANDWIDTH_BPS must be a positive number, got %q", raw))
		} else {
			cfg.BandwidthBytesPerSecond = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPHERES_SEND_NEIGHBORS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("SPHERES_SEND_NEIGHBORS must be a boolean value, got %q", raw))
		} else {
			cfg.SendNeighbors = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPHERES_MOBILE")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("SPHERES_MOBILE must be a boolean value, got %q", raw))
		} else {
			cfg.Mobile = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPHERES_REPLAY_MAX_BUNDLES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SPHERES_REPLAY_MAX_BUNDLES must be a non-negative integer, got %q", raw))
		} else {
			cfg.ReplayMaxBundles = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPHERES_REPLAY_MAX_AGE")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("SPHERES_REPLAY_MAX_AGE must be a non-negative duration, got %q", raw))
		} else {
			cfg.ReplayMaxAge = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPHERES_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SPHERES_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPHERES_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SPHERES_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPHERES_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SPHERES_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPHERES_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("SPHERES_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPHERES_REPLAY_DUMP_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("SPHERES_REPLAY_DUMP_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.ReplayDumpWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPHERES_REPLAY_DUMP_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SPHERES_REPLAY_DUMP_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.ReplayDumpBurst = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SPHERES_SESSION_TTL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("SPHERES_SESSION_TTL must be a positive duration, got %q", raw))
		} else {
			cfg.SessionTTL = duration
		}
	}

	if cfg.Address == cfg.GRPCAddress {
		problems = append(problems, "SPHERES_ADDR and SPHERES_GRPC_ADDR must differ")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

// TickInterval converts the configured frequency into a fixed step.
func (c *Config) TickInterval() time.Duration {
	if c == nil || c.TickHz <= 0 {
		return time.Second / time.Duration(DefaultTickHz)
	}
	return time.Duration(float64(time.Second) / c.TickHz)
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
