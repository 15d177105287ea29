package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root or a component logger of one metahook process.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

// NewLogger builds the root logger. Validate must have accepted cfg.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var out io.Writer
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		out = file
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	zlog := ctx.Logger()

	if cfg.SampleBurst > 0 {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SampleBurst),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SampleEvery)},
		})
	}

	return &Logger{zlog: zlog}, nil
}

// NewComponentLogger tags every event with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", component).Logger()}
}

// WithContext stores l in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored by WithContext, or a warn-level stderr logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()}
}

func (l *Logger) WithFields(fields map[string]any) *Logger {
	return &Logger{zlog: l.zlog.With().Fields(fields).Logger()}
}

func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{zlog: l.zlog.With().Interface(key, value).Logger()}
}

// Zerolog returns the underlying logger for packages that take a zerolog.Logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }
