package retry

import (
	"time"

	"github.com/rs/zerolog"
)

// LogObserver reports retries as warnings and exhaustion as errors.
type LogObserver struct {
	Log zerolog.Logger
}

func (o LogObserver) RetryScheduled(operation string, attempt int, delay time.Duration, err error) {
	o.Log.Warn().
		Str("operation", operation).
		Int("retry", attempt).
		Dur("delay", delay).
		Err(err).
		Msg("version conflict, retrying")
}

func (o LogObserver) RetriesExhausted(operation string, retries int, err error) {
	o.Log.Error().
		Str("operation", operation).
		Int("retry", retries).
		Err(err).
		Msg("version conflict retries exhausted")
}

// Observers fans signals out to several observers.
type Observers []Observer

func (os Observers) RetryScheduled(operation string, attempt int, delay time.Duration, err error) {
	for _, o := range os {
		o.RetryScheduled(operation, attempt, delay, err)
	}
}

func (os Observers) RetriesExhausted(operation string, retries int, err error) {
	for _, o := range os {
		o.RetriesExhausted(operation, retries, err)
	}
}
