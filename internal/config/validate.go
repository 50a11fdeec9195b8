package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.DataDir) == "" {
		problems = append(problems, "paths.data_dir must not be empty")
	}
	if strings.TrimSpace(c.APIBind) == "" {
		problems = append(problems, "paths.api_bind must not be empty")
	}
	if c.Pipeline.Workers <= 0 {
		problems = append(problems, "pipeline.workers must be positive")
	}
	if c.Pipeline.StageTimeout <= 0 {
		problems = append(problems, "pipeline.stage_timeout must be positive")
	}
	if c.Pipeline.StageRetryLimit < 0 {
		problems = append(problems, "pipeline.stage_retry_limit must not be negative")
	}
	if c.Pipeline.RetryBackoffBase <= 0 {
		problems = append(problems, "pipeline.retry_backoff_base must be positive")
	}
	if c.Pipeline.HeartbeatInterval <= 0 {
		problems = append(problems, "pipeline.heartbeat_interval must be positive")
	}
	if c.Pipeline.HeartbeatTimeout <= c.Pipeline.HeartbeatInterval {
		problems = append(problems, "pipeline.heartbeat_timeout must exceed pipeline.heartbeat_interval")
	}
	if c.Orchestrator.RetryLimit < 0 {
		problems = append(problems, "orchestrator.retry_limit must not be negative")
	}
	if c.Broker.Prefetch <= 0 {
		problems = append(problems, "broker.prefetch must be positive")
	}
	if c.Health.ProbeTimeout <= 0 {
		problems = append(problems, "health.probe_timeout must be positive")
	}

	if len(problems) == 0 {
		return nil
	}
	if len(problems) == 1 {
		return errors.New(problems[0])
	}
	return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
}
