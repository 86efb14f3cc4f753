// Package waflog emits one JSON log line per completed request with the
// key set of spec §6, built on go.uber.org/zap (see DESIGN.md for why
// zap over stdlib log/slog).
package waflog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// maxRuleIDs bounds the rule_ids field of the completion log line, per
// spec §6 and the §9 open question: this truncation happens on the log
// field after evaluation, never on the strings the rule engine itself
// inspects.
const maxRuleIDs = 16

// New builds a zap.Logger configured for JSON output to stdout, one
// line per logged entry.
func New() *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.LevelKey = "level"
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.AddSync(os.Stdout), zapcore.InfoLevel)
	return zap.New(core)
}

// RequestFields builds the completion log line's structured fields.
func RequestFields(requestID, clientIP, method, path, verdict string, score int, ruleIDs []string, upstream string, status int, latencyMS float64) []zap.Field {
	ids := ruleIDs
	if len(ids) > maxRuleIDs {
		ids = ids[:maxRuleIDs]
	}
	return []zap.Field{
		zap.String("request_id", requestID),
		zap.String("client_ip", clientIP),
		zap.String("method", method),
		zap.String("path", path),
		zap.String("verdict", verdict),
		zap.Int("score", score),
		zap.Strings("rule_ids", ids),
		zap.String("upstream", upstream),
		zap.Int("status", status),
		zap.Float64("latency_ms", latencyMS),
	}
}
