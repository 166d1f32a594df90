package smtp

import (
	"github.com/inbucket/rcptfilter/pkg/metric"
	"github.com/rs/zerolog"
)

type logHook struct{}

// Run implements a zerolog hook that counts SMTP session warnings and errors.
func (h logHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	switch level {
	case zerolog.WarnLevel, zerolog.ErrorLevel:
		metric.SMTPLogEventsTotal.WithLabelValues(level.String()).Inc()
	}
}
