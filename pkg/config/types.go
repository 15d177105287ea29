package config

import (
	"fmt"

	"github.com/openfroyo/metahook/pkg/delegation"
	"github.com/openfroyo/metahook/pkg/telemetry"
)

// DefaultFile is the configuration file looked up when none is given.
const DefaultFile = "metahook.cue"

// Config is the complete metahook configuration.
type Config struct {
	Delegation DelegationConfig `json:"delegation"`
	Store      StoreConfig      `json:"store"`
	Modules    ModulesConfig    `json:"modules"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
}

// DelegationConfig configures the resource delegator.
type DelegationConfig struct {
	// MetadataPrefix is the namespace delegated names must start with.
	MetadataPrefix string `json:"metadataPrefix" validate:"required"`

	// ExcludedManifest is never delegated.
	ExcludedManifest string `json:"excludedManifest"`

	// FragmentDir and FragmentSuffix identify configuration fragments that are never delegated.
	FragmentDir    string `json:"fragmentDir"`
	FragmentSuffix string `json:"fragmentSuffix"`

	// SuppressedInvokers are caller identities whose lookups are not delegated.
	SuppressedInvokers []string `json:"suppressedInvokers" validate:"dive,required"`

	// PolicyPath is an optional Rego policy that can veto delegation.
	PolicyPath string `json:"policyPath,omitempty"`

	// Watch reloads the policy when the file changes.
	Watch bool `json:"watch"`
}

// StoreConfig configures module persistence.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `json:"path" validate:"required"`
}

// ModulesConfig configures manifest discovery.
type ModulesConfig struct {
	// Directory is scanned for manifests when non-empty.
	Directory string `json:"directory,omitempty"`
}

// TelemetryConfig is the user-facing subset of telemetry settings.
type TelemetryConfig struct {
	Logging LoggingConfig `json:"logging"`
	Metrics MetricsConfig `json:"metrics"`
	Tracing TracingConfig `json:"tracing"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `json:"level" validate:"required,oneof=debug info warn error"`
	Format string `json:"format" validate:"required,oneof=json console"`
}

// MetricsConfig configures metrics.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	ListenAddress string `json:"listenAddress,omitempty" validate:"omitempty,hostname_port"`
	Path          string `json:"path" validate:"required,startswith=/"`
}

// TracingConfig configures tracing.
type TracingConfig struct {
	Enabled    bool    `json:"enabled"`
	Exporter   string  `json:"exporter" validate:"required,oneof=otlp stdout none"`
	Endpoint   string  `json:"endpoint,omitempty"`
	SampleRate float64 `json:"sampleRate" validate:"gte=0,lte=1"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	filter := delegation.DefaultFilter()
	tel := telemetry.DefaultConfig()

	return &Config{
		Delegation: DelegationConfig{
			MetadataPrefix:     filter.MetadataPrefix,
			ExcludedManifest:   filter.ExcludedManifest,
			FragmentDir:        filter.FragmentDir,
			FragmentSuffix:     filter.FragmentSuffix,
			SuppressedInvokers: delegation.DefaultSuppressedInvokers(),
		},
		Store: StoreConfig{
			Path: ".metahook/metahook.db",
		},
		Telemetry: TelemetryConfig{
			Logging: LoggingConfig{
				Level:  tel.Logging.Level,
				Format: tel.Logging.Format,
			},
			Metrics: MetricsConfig{
				Enabled:       tel.Metrics.Enabled,
				ListenAddress: tel.Metrics.ListenAddress,
				Path:          tel.Metrics.Path,
			},
			Tracing: TracingConfig{
				Enabled:    tel.Tracing.Enabled,
				Exporter:   tel.Tracing.Exporter,
				Endpoint:   tel.Tracing.Endpoint,
				SampleRate: tel.Tracing.SamplingRate,
			},
		},
	}
}

// Filter returns the delegation filter described by the configuration.
func (c *Config) Filter() delegation.Filter {
	return delegation.Filter{
		MetadataPrefix:   c.Delegation.MetadataPrefix,
		ExcludedManifest: c.Delegation.ExcludedManifest,
		FragmentDir:      c.Delegation.FragmentDir,
		FragmentSuffix:   c.Delegation.FragmentSuffix,
	}
}

// TelemetryConfig maps the configuration onto a full telemetry configuration.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tel := telemetry.DefaultConfig()
	tel.ServiceVersion = version

	tel.Logging.Level = c.Telemetry.Logging.Level
	tel.Logging.Format = c.Telemetry.Logging.Format

	tel.Metrics.Enabled = c.Telemetry.Metrics.Enabled
	tel.Metrics.ListenAddress = c.Telemetry.Metrics.ListenAddress
	tel.Metrics.Path = c.Telemetry.Metrics.Path

	tel.Tracing.Enabled = c.Telemetry.Tracing.Enabled
	tel.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	tel.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	tel.Tracing.SamplingRate = c.Telemetry.Tracing.SampleRate

	return tel
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the configuration path of the offending value (e.g., "store.path").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	msg := e.Message
	if e.Path != "" {
		msg = e.Path + ": " + msg
	}
	if loc == "" {
		return msg
	}
	return loc + ": " + msg
}
