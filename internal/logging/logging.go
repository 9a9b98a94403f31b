// Package logging wires up walletwatch's process-wide structured logger.
// The teacher logs a short-lived CLI with fmt and a hand-rolled NDJSON
// audit file (internal/services/audit/logger.go); a long-running daemon
// in this corpus (0xmhha-indexer-go, Exca-DK-juno) reaches for
// go.uber.org/zap instead, which this package adopts for every
// component's per-call logging.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. debug enables development-style
// console encoding with caller info; otherwise JSON encoding is used,
// matching the teacher's NDJSON preference for machine-readable logs.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Endpoint logs a single RPC fan-out attempt (spec §4.1 Observability):
// per endpoint, success/failure, latency, and (for block-number calls)
// the returned height.
func Endpoint(log *zap.Logger, method, endpoint string, ok bool, latencyMs int64, height *uint64, err error) {
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("endpoint", endpoint),
		zap.Bool("ok", ok),
		zap.Int64("latency_ms", latencyMs),
	}
	if height != nil {
		fields = append(fields, zap.Uint64("height", *height))
	}
	if ok {
		log.Debug("rpc endpoint call", fields...)
		return
	}
	fields = append(fields, zap.Error(err))
	log.Warn("rpc endpoint call failed", fields...)
}
