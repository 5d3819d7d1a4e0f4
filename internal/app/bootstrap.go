package app

import (
	"time"

	"dwelltrack/internal/config"
	"dwelltrack/internal/runtime/supervisor"
)

// ---- Config ----

type Config = config.Config

type StorageConfig = config.StorageConfig

type TrackingRule = config.TrackingRule

type ConfigManager = config.Manager

var NewConfigManager = config.NewManager

// SummarizeConfigChange produces a safe, structured summary of config diffs.
var SummarizeConfigChange = config.SummarizeChange

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

var NewSupervisor = supervisor.New

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError
