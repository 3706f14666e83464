// Copyright 2025 James Ross
package obs

import (
    "os"
    "strings"

    "github.com/flyingrobots/taskqueue/internal/config"
    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "gopkg.in/natefinch/lumberjack.v2"
)

func NewLogger(level string) (*zap.Logger, error) {
    lvl := zapcore.InfoLevel
    switch strings.ToLower(level) {
    case "debug":
        lvl = zapcore.DebugLevel
    case "warn":
        lvl = zapcore.WarnLevel
    case "error":
        lvl = zapcore.ErrorLevel
    }
    cfg := zap.NewProductionConfig()
    cfg.Level = zap.NewAtomicLevelAt(lvl)
    cfg.Encoding = "json"
    return cfg.Build()
}

// NewAuditLogger builds a JSON zap.Logger over a size/age-bounded rotating
// file, replacing the teacher's hand-rolled AuditLogger.rotate() with
// lumberjack.v2's MaxSize/MaxBackups/MaxAge/Compress policy
// (internal/rbac-and-tokens/audit.go in the source tree this was adapted
// from). A disabled audit config logs to stderr instead of silently
// dropping entries, since every mutating request still passes through
// AuditMiddleware regardless of whether file rotation is configured.
func NewAuditLogger(cfg config.Audit) *zap.Logger {
    var sink zapcore.WriteSyncer
    if cfg.Path == "" {
        sink = zapcore.AddSync(os.Stderr)
    } else {
        sink = zapcore.AddSync(&lumberjack.Logger{
            Filename:   cfg.Path,
            MaxSize:    cfg.MaxSizeMB,
            MaxBackups: cfg.MaxBackups,
            MaxAge:     cfg.MaxAgeDays,
            Compress:   cfg.Compress,
        })
    }
    encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
    core := zapcore.NewCore(encoder, sink, zapcore.InfoLevel)
    return zap.New(core)
}

// Convenience typed fields
func String(k, v string) zap.Field { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field { return zap.Bool(k, v) }
func Err(err error) zap.Field { return zap.Error(err) }
