package config

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - auth.go: API authentication configuration
//   - database.go: PostgreSQL, Redis, and OpenSearch configuration
//   - http.go: HTTP server configuration
//   - services.go: Service mode, worker, and retention configuration
type AppConfig struct {
	// Storage configuration
	Postgres   DBConfig         `envPrefix:"DB_"`
	Redis      RedisConfig      `envPrefix:"REDIS_"`
	OpenSearch OpenSearchConfig `envPrefix:"OPENSEARCH_"`

	// HTTP server configuration
	HTTP HTTPConfig

	// API authentication configuration
	Auth AuthConfig

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"http"`

	// Event stream configuration
	Events EventsConfig

	// Scheduler maintenance configuration
	Scheduler SchedulerConfig

	// Eventizer worker configuration
	Eventizer EventizerConfig

	// Identity service client and identity worker configuration
	Identities IdentitiesConfig `envPrefix:"IDENTITIES_"`

	// Archivist configuration
	Archivist ArchivistConfig

	// Retention configuration for finished jobs
	Retention RetentionConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.HTTP.Sanitize()
	c.Auth.Sanitize()
	c.Events.Sanitize()
	c.Scheduler.Sanitize()
	c.Eventizer.Sanitize()
	c.Identities.Sanitize()
	c.Archivist.Sanitize()
	c.Retention.Sanitize()
	c.Observability.Sanitize()
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeHTTP]
}

// IsSchedulerEnabled returns true if the scheduler maintenance service is enabled.
func (c *AppConfig) IsSchedulerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeScheduler]
}

// IsEventizerEnabled returns true if the eventizer worker service is enabled.
func (c *AppConfig) IsEventizerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeEventizer]
}

// IsArchivistEnabled returns true if the archivist service is enabled.
func (c *AppConfig) IsArchivistEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeArchivist]
}
