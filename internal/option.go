package internal

import "github.com/starford/kalendae/internal/calendar"

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config         *Config
	serviceOptions []calendar.Option
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithServiceOptions passes extra options to the calendar service.
func WithServiceOptions(opts ...calendar.Option) Option {
	return func(a *application) {
		a.serviceOptions = append(a.serviceOptions, opts...)
	}
}
