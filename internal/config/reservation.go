package config

import "time"

// ReservationConfig tunes reservation windows, the expiry sweeper and the
// conflict retry executor. Non-positive or malformed values fall back to
// the defaults, so none of these can end up zero.
type ReservationConfig struct {
	Window         time.Duration // RESERVATION_WINDOW
	MaxWindow      time.Duration // RESERVATION_MAX_WINDOW, cap on window_seconds
	SweepInterval  time.Duration // SWEEP_INTERVAL
	SweepBatchSize int           // SWEEP_BATCH_SIZE
	SweepLeaseTTL  time.Duration // SWEEP_LEASE_TTL
	SweepLeaseKey  string        // SWEEP_LEASE_KEY
	RetryMax       int           // RETRY_MAX
	RetryBase      time.Duration // RETRY_BACKOFF_BASE
	// RetryJitter is negative when jitter is switched off with
	// RETRY_JITTER_MAX=0.
	RetryJitter time.Duration // RETRY_JITTER_MAX
}

func LoadReservationConfig() ReservationConfig {
	c := ReservationConfig{
		Window:         positiveDur("RESERVATION_WINDOW", 15*time.Minute),
		MaxWindow:      positiveDur("RESERVATION_MAX_WINDOW", 24*time.Hour),
		SweepInterval:  positiveDur("SWEEP_INTERVAL", time.Minute),
		SweepBatchSize: positive("SWEEP_BATCH_SIZE", 100),
		SweepLeaseTTL:  positiveDur("SWEEP_LEASE_TTL", 30*time.Second),
		SweepLeaseKey:  envStr("SWEEP_LEASE_KEY", "stock:sweeper:lease"),
		RetryMax:       positive("RETRY_MAX", 3),
		RetryBase:      positiveDur("RETRY_BACKOFF_BASE", 50*time.Millisecond),
		RetryJitter:    envDur("RETRY_JITTER_MAX", 20*time.Millisecond),
	}
	if c.MaxWindow < c.Window {
		c.MaxWindow = c.Window
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = -1
	}
	return c
}

func positive(k string, d int) int {
	if n := envInt(k, d); n > 0 {
		return n
	}
	return d
}

func positiveDur(k string, d time.Duration) time.Duration {
	if v := envDur(k, d); v > 0 {
		return v
	}
	return d
}
