package config

type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Flow       FlowConfig       `json:"flow,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the reminder store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./reminders.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls timer firing and recovery.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - grace_window: "1h"
//   - sweep_every:  "5m"
//   - retention:    "720h" (terminal rows pruned after 30 days)
//   - workers:      2
//   - queue_size:   256
type SchedulerConfig struct {
	// GraceWindow is the misfire tolerance: a reminder whose instant is
	// past-due by at most this much still fires normally.
	GraceWindow string `json:"grace_window,omitempty"`
	// SweepEvery is the period of the safety-net store re-scan.
	SweepEvery string `json:"sweep_every,omitempty"`
	// Retention bounds how long terminal reminders are kept before the
	// sweep prunes them. "0s" disables pruning.
	Retention string `json:"retention,omitempty"`
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
}

// DispatcherConfig controls the delivery pipeline.
//
// Defaults (when fields are omitted/zero):
//   - rate_per_sec:    3
//   - retry_max:       3
//   - retry_base:      "500ms"
//   - retry_max_delay: "10s"
type DispatcherConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// FlowConfig controls the conversational input flow.
type FlowConfig struct {
	// DefaultTimezone is the IANA zone assumed for chats that never ran /tz.
	DefaultTimezone string `json:"default_timezone,omitempty"`
	// SessionTTL expires abandoned multi-step sessions. Default "10m".
	SessionTTL string `json:"session_ttl,omitempty"`
}
