package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/npezzotti/chatcore/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds the process logger. In dev mode a console encoder on stdout is
// teed with the file core; otherwise entries are JSON only. Without a log
// file JSON goes to stderr.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	return newLogger(cfg, os.Stdout, os.Stderr)
}

func newLogger(cfg config.LogConfig, stdout, stderr io.Writer) (*zap.Logger, error) {
	var level zapcore.Level
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	var out zapcore.WriteSyncer
	if cfg.File != "" {
		out = getLogWriter(cfg)
	} else {
		out = zapcore.Lock(zapcore.AddSync(stderr))
	}

	core := zapcore.NewCore(getEncoder(), out, level)
	if cfg.Mode == "dev" {
		consoleEncoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		consoleCore := zapcore.NewCore(consoleEncoder, zapcore.Lock(zapcore.AddSync(stdout)), zapcore.DebugLevel)
		if cfg.File != "" {
			core = zapcore.NewTee(core, consoleCore)
		} else {
			core = consoleCore
		}
	}

	return zap.New(core, zap.AddCaller()), nil
}

func getLogWriter(cfg config.LogConfig) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	})
}

func getEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}
