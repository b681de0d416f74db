package rtc

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loggerFactory routes pion's internal logging into zerolog.
type loggerFactory struct {
	base zerolog.Logger
}

// NewLoggerFactory returns a pion LoggerFactory writing to base. pion is
// chatty, so its records are shifted down one level.
func NewLoggerFactory(base zerolog.Logger) logging.LoggerFactory {
	return loggerFactory{base: base}
}

func defaultLoggerFactory() logging.LoggerFactory {
	return NewLoggerFactory(log.Logger)
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return leveled{l: f.base.With().Str("module", "pion").Str("scope", scope).Logger()}
}

type leveled struct {
	l zerolog.Logger
}

func (p leveled) Trace(msg string)                          { p.l.Trace().Msg(msg) }
func (p leveled) Tracef(format string, args ...interface{}) { p.l.Trace().Msg(fmt.Sprintf(format, args...)) }
func (p leveled) Debug(msg string)                          { p.l.Trace().Msg(msg) }
func (p leveled) Debugf(format string, args ...interface{}) { p.l.Trace().Msg(fmt.Sprintf(format, args...)) }
func (p leveled) Info(msg string)                           { p.l.Debug().Msg(msg) }
func (p leveled) Infof(format string, args ...interface{})  { p.l.Debug().Msg(fmt.Sprintf(format, args...)) }
func (p leveled) Warn(msg string)                           { p.l.Warn().Msg(msg) }
func (p leveled) Warnf(format string, args ...interface{})  { p.l.Warn().Msg(fmt.Sprintf(format, args...)) }
func (p leveled) Error(msg string)                          { p.l.Error().Msg(msg) }
func (p leveled) Errorf(format string, args ...interface{}) { p.l.Error().Msg(fmt.Sprintf(format, args...)) }
