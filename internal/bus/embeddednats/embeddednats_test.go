package embeddednats

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestStartLogsThroughZap(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s, err := Start(Config{Port: -1, DisableHTTP: true, StoreDir: t.TempDir()}, zap.New(core))
	if err != nil {
		t.Fatal(err)
	}
	if !s.JetStreamEnabled() {
		t.Error("JetStream disabled")
	}
	if s.ClientURL() == "" {
		t.Error("empty client URL")
	}
	s.Shutdown()

	if logs.FilterMessage("embedded nats ready").Len() != 1 {
		t.Errorf("ready line missing from %d entries", logs.Len())
	}
	if logs.FilterMessage("embedded nats stopped").Len() != 1 {
		t.Error("stop line missing")
	}
}

func TestShutdownNil(t *testing.T) {
	var s *Server
	s.Shutdown()
}
