// Package logsink defines the thin logging interface named as an external
// collaborator in spec §1 ("the log channel/router"), plus a zap-backed
// default implementation matching the teacher's logging idiom.
package logsink

import "go.uber.org/zap"

// Sink is the logging contract producers and services depend on. A tagged
// channel is obtained via WithTag, mirroring the `log[+tag]=<level>` channel
// registry described in spec §6.
type Sink interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	WithTag(tag string) Sink
}

// zapSink adapts *zap.Logger to Sink.
type zapSink struct {
	l *zap.Logger
}

// New wraps an existing *zap.Logger as a Sink.
func New(l *zap.Logger) Sink {
	return zapSink{l: l}
}

func (s zapSink) Debug(msg string, fields ...zap.Field) { s.l.Debug(msg, fields...) }
func (s zapSink) Info(msg string, fields ...zap.Field)  { s.l.Info(msg, fields...) }
func (s zapSink) Warn(msg string, fields ...zap.Field)  { s.l.Warn(msg, fields...) }
func (s zapSink) Error(msg string, fields ...zap.Field) { s.l.Error(msg, fields...) }

func (s zapSink) WithTag(tag string) Sink {
	return zapSink{l: s.l.Named(tag)}
}
