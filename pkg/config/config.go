// Package config loads and validates engine configuration: a YAML file with
// environment-variable expansion, merged over built-in defaults.
package config

import "time"

// Config is the engine's fully-resolved configuration (spec.md §6).
type Config struct {
	DBPath  string        `yaml:"db_path"`
	Uploads string        `yaml:"uploads_dir"`
	HTTP    HTTPConfig    `yaml:"http"`
	Queue   QueueConfig   `yaml:"queue"`
	Stream  StreamConfig  `yaml:"stream"`
	Events  EventsConfig  `yaml:"events"`
}

// HTTPConfig controls the external HTTP/WebSocket surface.
type HTTPConfig struct {
	Addr              string `yaml:"addr"`
	MaxFileSizeBytes  int64  `yaml:"max_file_size_bytes"`
}

// QueueConfig controls the Processor and HealthMonitor (spec.md §4.3, §4.4).
type QueueConfig struct {
	PollInterval          time.Duration `yaml:"poll_interval"`
	StuckCheckInterval    time.Duration `yaml:"stuck_check_interval"`
	DefaultJobTimeout     time.Duration `yaml:"default_job_timeout"`
	StreamingStallTimeout time.Duration `yaml:"streaming_stall_timeout"`
}

// StreamConfig controls the StreamHub (spec.md §4.7).
type StreamConfig struct {
	MaxViewers           int           `yaml:"max_viewers"`
	MinWordsForAnalysis  int           `yaml:"min_words_for_analysis"`
	UtteranceEndMs       int           `yaml:"utterance_end_ms"`
	SampleRateHz         int           `yaml:"sample_rate_hz"`
	StatusDebounce       time.Duration `yaml:"status_debounce"`
}

// EventsConfig controls the EventBus (spec.md §4.8).
type EventsConfig struct {
	InitialStateJobCount int           `yaml:"initial_state_job_count"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
}
