package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options control the application logger.
type Options struct {
	// JSON switches the console encoder to json, which also enables sampling
	// of repeated entries for long running servers.
	JSON  bool
	Debug bool
	// App is attached to every entry when set.
	App string
}

// New builds the application logger.
func New(opts Options) (*zap.Logger, error) {
	cfg := config(opts)

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	defer logger.Sync()

	return logger, nil
}

func config(opts Options) zap.Config {
	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	cfg := zap.Config{
		Encoding:         "console",
		Level:            zap.NewAtomicLevelAt(level),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey: "step",

			LevelKey:    "level",
			EncodeLevel: zapcore.LowercaseLevelEncoder,

			TimeKey:    "time",
			EncodeTime: zapcore.RFC3339TimeEncoder,

			CallerKey:    "caller",
			EncodeCaller: zapcore.ShortCallerEncoder,

			EncodeDuration: zapcore.StringDurationEncoder,
		},
	}

	if opts.JSON {
		cfg.Encoding = "json"
		cfg.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}
	}
	if opts.Debug {
		cfg.Sampling = nil
	}
	if opts.App != "" {
		cfg.InitialFields = map[string]any{"app": opts.App}
	}

	return cfg
}
