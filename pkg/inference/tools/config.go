package tools

import "time"

// ExecutorConfig controls how tool calls are executed.
type ExecutorConfig struct {
	ExecutionTimeout  time.Duration `json:"execution_timeout" yaml:"execution_timeout" mapstructure:"execution_timeout"`
	MaxParallelTools  int           `json:"max_parallel_tools" yaml:"max_parallel_tools" mapstructure:"max_parallel_tools"`
	ValidateArguments bool          `json:"validate_arguments" yaml:"validate_arguments" mapstructure:"validate_arguments"`
	RetryConfig       RetryConfig   `json:"retry_config" yaml:"retry_config" mapstructure:"retry_config"`
}

type RetryConfig struct {
	MaxRetries    int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	BackoffBase   time.Duration `json:"backoff_base" yaml:"backoff_base" mapstructure:"backoff_base"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor" mapstructure:"backoff_factor"`
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		ExecutionTimeout:  30 * time.Second,
		MaxParallelTools:  4,
		ValidateArguments: true,
		RetryConfig: RetryConfig{
			MaxRetries:    0,
			BackoffBase:   200 * time.Millisecond,
			BackoffFactor: 2.0,
		},
	}
}

func (c ExecutorConfig) WithExecutionTimeout(timeout time.Duration) ExecutorConfig {
	c.ExecutionTimeout = timeout
	return c
}

func (c ExecutorConfig) WithMaxParallelTools(n int) ExecutorConfig {
	c.MaxParallelTools = n
	return c
}

func (c ExecutorConfig) WithRetries(maxRetries int, base time.Duration) ExecutorConfig {
	c.RetryConfig.MaxRetries = maxRetries
	c.RetryConfig.BackoffBase = base
	return c
}

func (c ExecutorConfig) backoff(attempt int) time.Duration {
	d := float64(c.RetryConfig.BackoffBase)
	for i := 0; i < attempt; i++ {
		d *= c.RetryConfig.BackoffFactor
	}
	return time.Duration(d)
}
