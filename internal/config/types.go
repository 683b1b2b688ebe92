package config

import (
	"fmt"
	"strings"
)

// Config is the daemon configuration. The file may be JSON or YAML; both go
// through the same strict decoder, so unknown keys are rejected early.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "30m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Fetch   FetchConfig   `json:"fetch,omitempty"`

	// Ingest controls the ingestion dispatch queue (workers, redelivery).
	Ingest QueueConfig `json:"ingest,omitempty"`

	Notify   NotifyConfig   `json:"notify"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`
	Schedule ScheduleConfig `json:"schedule,omitempty"`

	Departments []Department `json:"departments"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console bool        `json:"console,omitempty"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	// Driver: "file", "sqlite", or "none".
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	// BusyTimeout is a Go duration string (sqlite only).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// FetchConfig configures the HTTP board client.
//
// Defaults (when fields are omitted/zero):
//   - timeout: "15s"
//   - rate_per_host: 2 requests/second, burst 1
//   - max_body_bytes: 4 MiB
type FetchConfig struct {
	UserAgent    string  `json:"user_agent,omitempty"`
	Timeout      string  `json:"timeout,omitempty"`
	RatePerHost  float64 `json:"rate_per_host,omitempty"`
	Burst        int     `json:"burst,omitempty"`
	MaxBodyBytes int64   `json:"max_body_bytes,omitempty"`
}

// QueueConfig configures one dispatch queue.
//
// Defaults: workers 4, queue_size 256, retry_max 3, retry_base "500ms",
// retry_max_delay "15s", retry_jitter 0.2, timeout "0s" (disabled).
type QueueConfig struct {
	Workers       int     `json:"workers,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
	Timeout       string  `json:"timeout,omitempty"`
	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
}

type NotifyConfig struct {
	// TTL bounds the dedup window for one (department, notice, revision)
	// key. Default "30m".
	TTL string `json:"ttl,omitempty"`

	// TopicPrefix is prepended to the department id (or its topic
	// override) to form the push topic.
	TopicPrefix string `json:"topic_prefix,omitempty"`

	// Queue controls the change-event dispatch queue.
	Queue QueueConfig `json:"queue,omitempty"`

	Telegram TelegramConfig `json:"telegram,omitempty"`
}

// TelegramConfig configures the optional telegram push adapter. Chats maps
// a topic to its destination chat id.
type TelegramConfig struct {
	Enabled bool             `json:"enabled,omitempty"`
	Token   string           `json:"token,omitempty"`
	Chats   map[string]int64 `json:"chats,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Listen  string `json:"listen,omitempty"`
}

// PprofConfig configures the optional profiling listener. A non-loopback
// bind requires a token (or allow_insecure).
type PprofConfig struct {
	Enabled       bool   `json:"enabled,omitempty"`
	Listen        string `json:"listen,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type ScheduleConfig struct {
	// Default applies to departments without their own schedule.
	// Accepts a cron expression, a Go duration, or HH:MM.
	Default string `json:"default,omitempty"`
}

// Department is one tracked announcement source. Params carries
// CMS-specific fetch parameters opaque to the pipeline.
type Department struct {
	ID       string            `json:"id"`
	Name     string            `json:"name,omitempty"`
	URL      string            `json:"url"`
	Params   map[string]string `json:"params,omitempty"`
	Schedule string            `json:"schedule,omitempty"`
	Topic    string            `json:"topic,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
}

// Validate rejects configs that cannot run: duplicate or missing department
// ids, missing URLs. Schedule strings are validated where they are parsed.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("nil config")
	}
	seen := map[string]struct{}{}
	for i, d := range c.Departments {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			return fmt.Errorf("departments[%d]: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("departments[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		if !d.Disabled && strings.TrimSpace(d.URL) == "" {
			return fmt.Errorf("departments[%d] (%s): url is required", i, id)
		}
	}
	return nil
}

// Enabled returns the departments that should be scheduled.
func (c *Config) Enabled() []Department {
	out := make([]Department, 0, len(c.Departments))
	for _, d := range c.Departments {
		if !d.Disabled {
			out = append(out, d)
		}
	}
	return out
}
