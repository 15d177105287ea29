package telemetry

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config selects how metahook reports what it does.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Environment is recorded on exported spans only.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures the zerolog root logger.
type LoggingConfig struct {
	// Level is any level zerolog.ParseLevel accepts except the empty string.
	Level string

	// Format is "console" for humans or "json" for collectors.
	Format string

	// Output is "stdout", "stderr" or a file path opened for appending.
	Output string

	// Caller adds the file:line of each log call.
	Caller bool

	// SampleBurst, when positive, lets that many events through per second before
	// falling back to one in SampleEvery. Lookup logging at debug level is the usual reason.
	SampleBurst int
	SampleEvery int
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is "otlp", "stdout" or "none". With "none" spans are sampled but dropped.
	Exporter string

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string
	Insecure bool

	SamplingRate  float64
	ExportTimeout time.Duration
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress serves the collectors over HTTP when set.
	ListenAddress string
	Path          string
	Namespace     string

	// LatencyBuckets are the delegation duration buckets in seconds.
	LatencyBuckets []float64
}

// DefaultConfig returns the configuration a fresh CLI invocation starts from.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "metahook",
		ServiceVersion: "dev",
		Environment:    "local",
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "console",
			Output:      "stderr",
			SampleEvery: 10,
		},
		Tracing: TracingConfig{
			Exporter:      "stdout",
			SamplingRate:  1.0,
			ExportTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "metahook",
			// Cache hits finish in microseconds; misses walk every exporter in the registry.
			LatencyBuckets: []float64{
				0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1,
			},
		},
	}
}

// Validate rejects configurations NewTelemetry cannot honor.
func (c *Config) Validate() error {
	if c.ServiceName == "" || c.ServiceVersion == "" {
		return fmt.Errorf("service name and version are required")
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}
	if c.Logging.SampleBurst > 0 && c.Logging.SampleEvery <= 0 {
		return fmt.Errorf("log sampling needs a positive sample interval")
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout", "none":
		default:
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress != "" && c.Metrics.Path == "" {
		return fmt.Errorf("metrics path is required when the metrics endpoint is served")
	}

	return nil
}

func parseLevel(level string) (zerolog.Level, error) {
	if level == "" {
		return zerolog.NoLevel, fmt.Errorf("log level is required")
	}
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level: %s", level)
	}
	return l, nil
}
