package main

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the process-wide sugared logger. It defaults to a no-op so that
// code paths exercised outside a running server stay quiet; initLogger
// swaps in the real file-backed logger before serving starts.
var Log = zap.NewNop().Sugar()

// initLogger routes all output to a rolling local file: 10MB per file,
// three backups, week-old backups dropped.
func initLogger(cfg *Config) error {
	lj := &lumberjack.Logger{
		Filename:   cfg.logFile,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     7, // days
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}

	level := zapcore.InfoLevel
	if cfg.verbose {
		level = zapcore.DebugLevel
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(lj), level)
	Log = zap.New(core, zap.AddCaller()).Sugar()
	return nil
}

func syncLogger() {
	if Log != nil {
		_ = Log.Sync()
	}
}
