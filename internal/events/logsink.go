package events

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes events as structured log lines. Failures log at warn.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Emit(_ context.Context, e Event) {
	if s.Log == nil {
		return
	}
	fields := []zap.Field{
		zap.String("event", string(e.Kind)),
		zap.String("outcome", e.Outcome),
	}
	if e.Address.Host != "" {
		fields = append(fields, zap.Stringer("addr", e.Address))
	}
	if e.Identity != nil {
		fields = append(fields,
			zap.String("vendor", string(e.Identity.Vendor)),
			zap.String("model", e.Identity.Model),
			zap.String("transport", string(e.Identity.Transport)),
		)
	}
	if e.Latency > 0 {
		fields = append(fields, zap.Duration("latency", e.Latency))
	}
	if e.Attempts > 1 {
		fields = append(fields, zap.Int("attempts", e.Attempts))
	}
	if e.Detail != "" {
		fields = append(fields, zap.String("detail", e.Detail))
	}
	if e.Failure != "" {
		fields = append(fields, zap.String("failure", string(e.Failure)), zap.Int("step", e.Step))
	}
	if e.Command != "" {
		fields = append(fields, zap.String("command", string(e.Command)))
	}
	if e.Telemetry != nil {
		if hr, ok := e.Telemetry.Hashrate.Get(); ok {
			fields = append(fields, zap.Float64("hashrate_ths", hr))
		}
		if t, ok := e.Telemetry.MaxBoardTemp(); ok {
			fields = append(fields, zap.Float64("max_temp_c", t))
		}
	}
	if sc := e.Scan; sc != nil {
		fields = append(fields,
			zap.String("scan_id", sc.ID),
			zap.Int("total", sc.Total),
			zap.Int("identified", sc.Identified),
			zap.Int("unreachable", sc.Unreachable),
			zap.Int("unrecognized", sc.Unrecognized),
			zap.Int("failed", sc.Failed),
			zap.Int("timed_out", sc.TimedOut),
			zap.Duration("duration", sc.Duration),
		)
	}
	if e.Err != nil {
		s.Log.Warn("device event", append(fields, zap.Error(e.Err))...)
		return
	}
	s.Log.Info("device event", fields...)
}
