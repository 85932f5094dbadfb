// Package embeddednats runs an in-process NATS server with JetStream so a
// single node can publish events without an external broker.
package embeddednats

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"
)

type Config struct {
	Host string
	// Port -1 picks a free port.
	Port     int
	HTTPPort int
	// DisableHTTP turns the monitoring endpoint off.
	DisableHTTP bool
	StoreDir    string
	// MaxStore caps JetStream file storage in bytes; 0 leaves it unlimited.
	MaxStore int64
	// Debug forwards server debug lines to the logger.
	Debug bool
}

type Server struct {
	s   *natssrv.Server
	log *zap.Logger
}

func Start(cfg Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 14222
	}
	switch {
	case cfg.DisableHTTP:
		cfg.HTTPPort = 0
	case cfg.HTTPPort == 0:
		cfg.HTTPPort = 18222
	}
	if cfg.StoreDir == "" {
		cfg.StoreDir = "data/nats"
	}
	dir, err := filepath.Abs(cfg.StoreDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s, err := natssrv.NewServer(&natssrv.Options{
		ServerName:        "minerlink",
		Host:              cfg.Host,
		Port:              cfg.Port,
		HTTPHost:          cfg.Host,
		HTTPPort:          cfg.HTTPPort,
		JetStream:         true,
		JetStreamMaxStore: cfg.MaxStore,
		StoreDir:          dir,
		NoSigs:            true,
	})
	if err != nil {
		return nil, err
	}
	s.SetLogger(zapLogger{log.Sugar()}, cfg.Debug, false)

	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		return nil, fmt.Errorf("embedded nats not ready on %s:%d", cfg.Host, cfg.Port)
	}
	log.Info("embedded nats ready", zap.String("url", s.ClientURL()), zap.String("store", dir))
	return &Server{s: s, log: log}, nil
}

func (s *Server) ClientURL() string { return s.s.ClientURL() }

// JetStreamEnabled reports whether JetStream came up with the server.
func (s *Server) JetStreamEnabled() bool { return s.s.JetStreamEnabled() }

func (s *Server) Shutdown() {
	if s == nil || s.s == nil {
		return
	}
	s.s.Shutdown()
	s.s.WaitForShutdown()
	s.log.Info("embedded nats stopped")
}

// zapLogger adapts the server's printf logger to zap.
type zapLogger struct{ l *zap.SugaredLogger }

func (z zapLogger) Noticef(format string, v ...any) { z.l.Infof(format, v...) }
func (z zapLogger) Warnf(format string, v ...any)   { z.l.Warnf(format, v...) }
func (z zapLogger) Errorf(format string, v ...any)  { z.l.Errorf(format, v...) }
func (z zapLogger) Debugf(format string, v ...any)  { z.l.Debugf(format, v...) }
func (z zapLogger) Tracef(format string, v ...any)  { z.l.Debugf(format, v...) }

// Fatalf is logged as an error; the server shuts itself down afterwards.
func (z zapLogger) Fatalf(format string, v ...any) { z.l.Errorf(format, v...) }
