package config

import "fmt"

// Validate checks structural invariants of a resolved Config.
func Validate(cfg *Config) error {
	if cfg.DBPath == "" {
		return NewValidationError("db_path", fmt.Errorf("must not be empty"))
	}
	if cfg.Stream.MaxViewers <= 0 {
		return NewValidationError("stream.max_viewers", fmt.Errorf("must be positive"))
	}
	if cfg.Stream.MinWordsForAnalysis < 0 {
		return NewValidationError("stream.min_words_for_analysis", fmt.Errorf("must not be negative"))
	}
	if cfg.Queue.PollInterval <= 0 {
		return NewValidationError("queue.poll_interval", fmt.Errorf("must be positive"))
	}
	if cfg.Queue.StuckCheckInterval <= 0 {
		return NewValidationError("queue.stuck_check_interval", fmt.Errorf("must be positive"))
	}
	if cfg.Queue.DefaultJobTimeout <= 0 {
		return NewValidationError("queue.default_job_timeout", fmt.Errorf("must be positive"))
	}
	return nil
}
