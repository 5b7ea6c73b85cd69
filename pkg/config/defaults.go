package config

import "time"

// Default returns the built-in configuration defaults (spec.md §6).
func Default() *Config {
	return &Config{
		DBPath:  "./data/engine.db",
		Uploads: "./data/uploads",
		HTTP: HTTPConfig{
			Addr:             ":8080",
			MaxFileSizeBytes: 100 * 1024 * 1024,
		},
		Queue: QueueConfig{
			PollInterval:          2000 * time.Millisecond,
			StuckCheckInterval:    30 * time.Second,
			DefaultJobTimeout:     300 * time.Second,
			StreamingStallTimeout: 30 * time.Second,
		},
		Stream: StreamConfig{
			MaxViewers:          50,
			MinWordsForAnalysis: 0,
			UtteranceEndMs:      1500,
			SampleRateHz:        16000,
			StatusDebounce:      100 * time.Millisecond,
		},
		Events: EventsConfig{
			InitialStateJobCount: 50,
			WriteTimeout:         5 * time.Second,
		},
	}
}
