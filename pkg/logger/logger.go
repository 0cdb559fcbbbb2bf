// Package logger zerolog 封装
package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/exchange/matching/pkg/tracing"
	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
}

// Fields 日志字段
type Fields map[string]interface{}

// Logger 结构化日志
type Logger struct {
	logger zerolog.Logger
}

// New 创建日志，w 为 nil 时写 stdout
func New(service string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}

	l := zerolog.New(w).With().
		Timestamp().
		Str("service", service).
		Logger()

	return &Logger{logger: l}
}

// Nop 丢弃所有输出，测试用
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// SetLevel 设置最低级别，无法识别时保持 info
func (l *Logger) SetLevel(level string) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return &Logger{logger: l.logger.Level(lvl)}
}

// WithContext 注入 traceID / spanID
func (l *Logger) WithContext(ctx context.Context) *Logger {
	traceID := tracing.TraceIDFromContext(ctx)
	spanID := tracing.SpanIDFromContext(ctx)

	updated := l.logger.With().
		Str("traceID", traceID).
		Str("spanID", spanID).
		Logger()

	return &Logger{logger: updated}
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

func (l *Logger) Error(msg string) {
	l.logger.Error().Msg(msg)
}

// Debugf 带字段的 Debug 日志
func (l *Logger) Debugf(msg string, fields Fields) {
	withFields(l.logger.Debug(), fields).Msg(msg)
}

// Infof 带字段的 Info 日志
func (l *Logger) Infof(msg string, fields Fields) {
	withFields(l.logger.Info(), fields).Msg(msg)
}

// Warnf 带字段的 Warn 日志
func (l *Logger) Warnf(msg string, fields Fields) {
	withFields(l.logger.Warn(), fields).Msg(msg)
}

// Errorf 带字段的 Error 日志
func (l *Logger) Errorf(msg string, fields Fields) {
	withFields(l.logger.Error(), fields).Msg(msg)
}

// WithError 添加错误字段
func (l *Logger) WithError(err error) *Logger {
	return &Logger{logger: l.logger.With().Err(err).Logger()}
}

// WithField 添加单个字段
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

func withFields(event *zerolog.Event, fields Fields) *zerolog.Event {
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	return event
}
