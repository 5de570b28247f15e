package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/festivio/numeros/pkg/entitlement"
)

// Logger implements entitlement.Logger using zerolog.
type Logger struct {
	logger *zerolog.Logger
}

// NewLogger creates a new zerolog logger adapter. A nil logger discards output.
func NewLogger(logger *zerolog.Logger) *Logger {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Logger{logger: logger}
}

func (l *Logger) Debug(msg string, fields ...entitlement.Field) {
	l.log(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...entitlement.Field) {
	l.log(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...entitlement.Field) {
	l.log(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...entitlement.Field) {
	l.log(l.logger.Error(), msg, fields)
}

func (l *Logger) log(event *zerolog.Event, msg string, fields []entitlement.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			event = event.AnErr(f.Key, v)
		case string:
			event = event.Str(f.Key, v)
		default:
			event = event.Interface(f.Key, v)
		}
	}
	event.Msg(msg)
}
