package app

import (
	"time"

	"remindbot/internal/config"
	"remindbot/internal/dispatch"
	"remindbot/internal/flow"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
)

// Mapping from config-file strings to typed service configs. Durations in
// the file are Go duration strings; defaults live in each service's
// withDefaults, so zero values pass through untouched.

func mapStorageConfig(c config.StorageConfig) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", c.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	path := c.Path
	if path == "" {
		path = "./reminders.db"
	}
	return storage.Config{Driver: c.Driver, Path: path, BusyTimeout: busy}, nil
}

func mapSchedulerConfig(c config.SchedulerConfig) (scheduler.Config, error) {
	grace, err := config.ParseDurationField("scheduler.grace_window", c.GraceWindow)
	if err != nil {
		return scheduler.Config{}, err
	}
	sweep, err := config.ParseDurationField("scheduler.sweep_every", c.SweepEvery)
	if err != nil {
		return scheduler.Config{}, err
	}
	// "0s" disables pruning, so only an omitted field gets the default.
	retention := 720 * time.Hour
	if c.Retention != "" {
		retention, err = config.ParseDurationField("scheduler.retention", c.Retention)
		if err != nil {
			return scheduler.Config{}, err
		}
	}
	return scheduler.Config{
		GraceWindow: grace,
		SweepEvery:  sweep,
		Retention:   retention,
		Workers:     c.Workers,
		QueueSize:   c.QueueSize,
	}, nil
}

func mapDispatcherConfig(c config.DispatcherConfig) (dispatch.Config, error) {
	base, err := config.ParseDurationField("dispatcher.retry_base", c.RetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("dispatcher.retry_max_delay", c.RetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		RatePerSec:    c.RatePerSec,
		RetryMax:      c.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func mapFlowConfig(c config.FlowConfig) (flow.Config, error) {
	ttl, err := config.ParseDurationField("flow.session_ttl", c.SessionTTL)
	if err != nil {
		return flow.Config{}, err
	}
	return flow.Config{DefaultTimezone: c.DefaultTimezone, SessionTTL: ttl}, nil
}
