package termlog

import (
	"fmt"
	"io"
	"log"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// HCLogAdapter lets hashicorp/raft log through a zap.Logger, adapted from
// the teacher's core/replication/raft_consensus/logger.go ZapRaftLogger.
type HCLogAdapter struct {
	logger *zap.Logger
	name   string
	level  zap.AtomicLevel
}

// NewHCLogAdapter wraps zapLogger for use as hashicorp/raft's Logger.
func NewHCLogAdapter(zapLogger *zap.Logger) *HCLogAdapter {
	initial := zap.InfoLevel
	if zapLogger.Core().Enabled(zap.DebugLevel) {
		initial = zap.DebugLevel
	}
	return &HCLogAdapter{logger: zapLogger, level: zap.NewAtomicLevelAt(initial)}
}

func (a *HCLogAdapter) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Trace, hclog.Debug:
		a.log(zapcore.DebugLevel, msg, args...)
	case hclog.Warn:
		a.log(zapcore.WarnLevel, msg, args...)
	case hclog.Error:
		a.log(zapcore.ErrorLevel, msg, args...)
	default:
		a.log(zapcore.InfoLevel, msg, args...)
	}
}

func (a *HCLogAdapter) Trace(msg string, args ...interface{}) { a.log(zapcore.DebugLevel, msg, args...) }
func (a *HCLogAdapter) Debug(msg string, args ...interface{}) { a.log(zapcore.DebugLevel, msg, args...) }
func (a *HCLogAdapter) Info(msg string, args ...interface{})  { a.log(zapcore.InfoLevel, msg, args...) }
func (a *HCLogAdapter) Warn(msg string, args ...interface{})  { a.log(zapcore.WarnLevel, msg, args...) }
func (a *HCLogAdapter) Error(msg string, args ...interface{}) { a.log(zapcore.ErrorLevel, msg, args...) }

func (a *HCLogAdapter) log(level zapcore.Level, msg string, args ...interface{}) {
	if !a.level.Enabled(level) {
		return
	}
	if ce := a.logger.Check(level, msg); ce != nil {
		ce.Write(argsToZapFields(args...)...)
	}
}

func (a *HCLogAdapter) IsTrace() bool { return a.level.Enabled(zapcore.DebugLevel) }
func (a *HCLogAdapter) IsDebug() bool { return a.level.Enabled(zapcore.DebugLevel) }
func (a *HCLogAdapter) IsInfo() bool  { return a.level.Enabled(zapcore.InfoLevel) }
func (a *HCLogAdapter) IsWarn() bool  { return a.level.Enabled(zapcore.WarnLevel) }
func (a *HCLogAdapter) IsError() bool { return a.level.Enabled(zapcore.ErrorLevel) }

func (a *HCLogAdapter) With(args ...interface{}) hclog.Logger {
	return &HCLogAdapter{logger: a.logger.With(argsToZapFields(args...)...), name: a.name, level: a.level}
}

func (a *HCLogAdapter) Named(name string) hclog.Logger {
	full := name
	if a.name != "" {
		full = a.name + "." + name
	}
	return &HCLogAdapter{logger: a.logger.Named(name), name: full, level: a.level}
}

func (a *HCLogAdapter) ResetNamed(name string) hclog.Logger {
	return &HCLogAdapter{logger: a.logger.Named(name), name: name, level: a.level}
}

func (a *HCLogAdapter) GetLevel() hclog.Level {
	switch a.level.Level() {
	case zapcore.DebugLevel:
		return hclog.Debug
	case zapcore.InfoLevel:
		return hclog.Info
	case zapcore.WarnLevel:
		return hclog.Warn
	case zapcore.ErrorLevel:
		return hclog.Error
	default:
		return hclog.NoLevel
	}
}

func (a *HCLogAdapter) SetLevel(level hclog.Level) {
	switch level {
	case hclog.Trace, hclog.Debug:
		a.level.SetLevel(zapcore.DebugLevel)
	case hclog.Warn:
		a.level.SetLevel(zapcore.WarnLevel)
	case hclog.Error:
		a.level.SetLevel(zapcore.ErrorLevel)
	default:
		a.level.SetLevel(zapcore.InfoLevel)
	}
}

func (a *HCLogAdapter) ImpliedArgs() []interface{} { return nil }
func (a *HCLogAdapter) Name() string               { return a.name }

func (a *HCLogAdapter) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger { return nil }
func (a *HCLogAdapter) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer   { return nil }

func argsToZapFields(args ...interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("arg%d", i)
		}
		if i+1 >= len(args) {
			fields = append(fields, zap.Any(key, "(missing)"))
			break
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}
