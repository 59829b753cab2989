package storage

import "time"

const (
	// DefaultPresenceEventRetention is how long presence history is kept.
	DefaultPresenceEventRetention = 30 * 24 * time.Hour
	// DefaultMaintenanceInterval is how often the SQLite store truncates its WAL.
	DefaultMaintenanceInterval = 24 * time.Hour
)

type storeOptions struct {
	eventRetention      time.Duration
	maintenanceInterval time.Duration
}

// Option tunes a store at open time. Both backends accept the same options.
type Option func(*storeOptions)

// WithEventRetention sets the presence history horizon. Non-positive values
// keep DefaultPresenceEventRetention.
func WithEventRetention(retention time.Duration) Option {
	return func(o *storeOptions) {
		if retention > 0 {
			o.eventRetention = retention
		}
	}
}

// WithMaintenanceInterval sets the SQLite WAL checkpoint period. Zero disables
// the background loop. Postgres ignores it.
func WithMaintenanceInterval(interval time.Duration) Option {
	return func(o *storeOptions) {
		o.maintenanceInterval = interval
	}
}

func buildOptions(opts []Option) storeOptions {
	o := storeOptions{
		eventRetention:      DefaultPresenceEventRetention,
		maintenanceInterval: DefaultMaintenanceInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// eventCutoff is the oldest presence event timestamp still retained at now.
func (o storeOptions) eventCutoff(now time.Time) time.Time {
	return now.Add(-o.eventRetention)
}
