package taskqueue

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/timmy/mailtriage/internal/logger"
)

// watermillLogger routes watermill's router and pub/sub logs through our logrus logger.
type watermillLogger struct {
	log *logger.Logger
}

// NewWatermillLogger adapts l to watermill.LoggerAdapter. A nil l uses the default logger.
func NewWatermillLogger(l *logger.Logger) watermill.LoggerAdapter {
	if l == nil {
		l = logger.GetDefault()
	}
	return &watermillLogger{log: l.WithField(logger.FieldComponent, "watermill")}
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.log.WithFields(logger.Fields(fields)).WithError(err).Error(msg)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.log.WithFields(logger.Fields(fields)).Info(msg)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.log.WithFields(logger.Fields(fields)).Debug(msg)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.log.WithFields(logger.Fields(fields)).Trace(msg)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{log: w.log.WithFields(logger.Fields(fields))}
}
