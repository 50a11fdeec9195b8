package config

const (
	defaultDataDir    = "~/.local/share/docflow"
	defaultStagingDir = "~/.local/share/docflow/staging"
	defaultLogDir     = "~/.local/share/docflow/logs"
	defaultAPIBind    = "127.0.0.1:7610"

	defaultBrokerQueue       = "docflow.jobs"
	defaultBrokerPrefetch    = 4
	defaultVisibilityTimeout = 60

	defaultWorkers           = 4
	defaultStageTimeout      = 300
	defaultStageRetryLimit   = 3
	defaultRetryBackoffBase  = 2
	defaultRetryBackoffCap   = 60
	defaultHeartbeatInterval = 15
	defaultHeartbeatTimeout  = 120
	defaultWatchdogInterval  = 30

	defaultRetryLimit = 5

	defaultLLMModel          = "gpt-4o-mini"
	defaultEmbeddingModel    = "text-embedding-3-small"
	defaultEmbeddingDim      = 1536
	defaultLLMTimeoutSeconds = 60

	defaultProbeTimeout = 5

	defaultLogFormat = "auto"
	defaultLogLevel  = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			StagingDir: defaultStagingDir,
			LogDir:     defaultLogDir,
			APIBind:    defaultAPIBind,
		},
		Broker: Broker{
			Queue:             defaultBrokerQueue,
			Prefetch:          defaultBrokerPrefetch,
			VisibilityTimeout: defaultVisibilityTimeout,
		},
		Pipeline: Pipeline{
			Workers:           defaultWorkers,
			StageTimeout:      defaultStageTimeout,
			StageRetryLimit:   defaultStageRetryLimit,
			RetryBackoffBase:  defaultRetryBackoffBase,
			RetryBackoffCap:   defaultRetryBackoffCap,
			HeartbeatInterval: defaultHeartbeatInterval,
			HeartbeatTimeout:  defaultHeartbeatTimeout,
			WatchdogInterval:  defaultWatchdogInterval,
		},
		Orchestrator: Orchestrator{
			RetryLimit: defaultRetryLimit,
		},
		LLM: LLM{
			Model:              defaultLLMModel,
			EmbeddingModel:     defaultEmbeddingModel,
			EmbeddingDimension: defaultEmbeddingDim,
			TimeoutSeconds:     defaultLLMTimeoutSeconds,
		},
		Health: Health{
			ProbeTimeout: defaultProbeTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
