// Package logging builds the process logger.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level string
	// Development switches to the console encoder with stack traces on warn.
	Development bool
}

// Logger pairs the root logger with its level, which can be changed at
// runtime. Level serves GET and PUT {"level":"debug"} over HTTP.
type Logger struct {
	*zap.Logger
	Level zap.AtomicLevel
}

func New(cfg Config) (*Logger, error) {
	level, err := zap.ParseAtomicLevel(orDefault(cfg.Level, "info"))
	if err != nil {
		return nil, err
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
		// Scan bursts log one line per host; keep them all.
		zcfg.Sampling = nil
	}
	zcfg.Level = level
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder

	log, err := zcfg.Build(zap.Fields(zap.String("service", "minerlink")))
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: log, Level: level}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
