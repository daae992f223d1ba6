package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestConfig(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		encoding string
		level    zapcore.Level
		sampled  bool
	}{
		{name: "console", opts: Options{}, encoding: "console", level: zapcore.InfoLevel},
		{name: "json is sampled", opts: Options{JSON: true}, encoding: "json", level: zapcore.InfoLevel, sampled: true},
		{name: "debug keeps every entry", opts: Options{JSON: true, Debug: true}, encoding: "json", level: zapcore.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config(tt.opts)
			if cfg.Encoding != tt.encoding {
				t.Fatalf("expected %s encoding, got %s", tt.encoding, cfg.Encoding)
			}
			if cfg.Level.Level() != tt.level {
				t.Fatalf("expected %s level, got %s", tt.level, cfg.Level.Level())
			}
			if (cfg.Sampling != nil) != tt.sampled {
				t.Fatalf("unexpected sampling %+v", cfg.Sampling)
			}
			if cfg.EncoderConfig.MessageKey != "step" {
				t.Fatalf("expected message key step, got %s", cfg.EncoderConfig.MessageKey)
			}
		})
	}
}

func TestConfigApp(t *testing.T) {
	if cfg := config(Options{}); cfg.InitialFields != nil {
		t.Fatalf("expected no initial fields, got %v", cfg.InitialFields)
	}
	cfg := config(Options{App: "posting-matcher"})
	if cfg.InitialFields["app"] != "posting-matcher" {
		t.Fatalf("expected app field, got %v", cfg.InitialFields)
	}
}

func TestNew(t *testing.T) {
	logger, err := New(Options{JSON: true, App: "posting-matcher"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) || logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected info level logger")
	}
}
