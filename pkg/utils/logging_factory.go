/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-01-12
 *
 * pion logging bridge
 * 把 pion 各库 (ice/turn/vnet) 的 LeveledLogger 输出接到同一个 Logger/回调
 */
package utils

import (
	"fmt"

	"github.com/pion/logging"
)

// LoggerFactory implements logging.LoggerFactory on top of a Logger
type LoggerFactory struct {
	base *Logger
}

// NewLoggerFactory returns a factory whose loggers write through base.
// A nil base uses the default logger.
func NewLoggerFactory(base *Logger) *LoggerFactory {
	if base == nil {
		base = GetLogger()
	}
	return &LoggerFactory{base: base}
}

// NewLogger returns a leveled logger scoped to scope
func (f *LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{logger: f.base.Named(scope)}
}

type leveledLogger struct {
	logger *Logger
}

func (l *leveledLogger) Trace(msg string) { l.logger.Trace("%s", msg) }
func (l *leveledLogger) Tracef(format string, args ...interface{}) {
	l.logger.Trace("%s", fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Debug(msg string) { l.logger.Debug("%s", msg) }
func (l *leveledLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug("%s", fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Info(msg string) { l.logger.Info("%s", msg) }
func (l *leveledLogger) Infof(format string, args ...interface{}) {
	l.logger.Info("%s", fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Warn(msg string) { l.logger.Warn("%s", msg) }
func (l *leveledLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warn("%s", fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Error(msg string) { l.logger.Error("%s", msg) }
func (l *leveledLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error("%s", fmt.Sprintf(format, args...))
}
