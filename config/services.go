package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP API server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeScheduler runs the scheduler maintenance sweeps.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeEventizer runs the task execution workers.
	ServiceModeEventizer ServiceMode = "eventizer"
	// ServiceModeArchivist runs the event stream consumers.
	ServiceModeArchivist ServiceMode = "archivist"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeScheduler,
		ServiceModeEventizer,
		ServiceModeArchivist,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP,
			ServiceModeScheduler,
			ServiceModeEventizer,
			ServiceModeArchivist:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, scheduler, eventizer, archivist)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// SchedulerConfig contains scheduler maintenance configuration.
type SchedulerConfig struct {
	// MaintenanceInterval is how often the maintenance sweep runs.
	MaintenanceInterval time.Duration `env:"SCHEDULER_MAINTENANCE_INTERVAL" envDefault:"30s"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	// Enforce a minimum interval to prevent excessive database load
	if s.MaintenanceInterval < 5*time.Second {
		s.MaintenanceInterval = 5 * time.Second
	}
}

// EventizerConfig contains eventizer worker configuration.
type EventizerConfig struct {
	// Queue is the queue eventizer jobs are placed on.
	Queue string `env:"EVENTIZER_QUEUE" envDefault:"eventizer_jobs"`

	// Workers is the number of worker goroutines draining the queue.
	Workers int `env:"EVENTIZER_WORKERS" envDefault:"10"`

	// JobLease is the duration to lease an eventizer job. Workers extend
	// the lease while the job runs.
	JobLease time.Duration `env:"EVENTIZER_JOB_LEASE" envDefault:"60s"`

	// PollInterval bounds how long an idle worker waits for a queue
	// notification before polling for due jobs.
	PollInterval time.Duration `env:"EVENTIZER_POLL_INTERVAL" envDefault:"5s"`

	// CheckpointEvery is the number of fetched items between progress
	// checkpoints. Checkpoints also probe for cancellation requests.
	CheckpointEvery int `env:"EVENTIZER_CHECKPOINT_EVERY" envDefault:"10"`
}

// Sanitize applies guardrails to eventizer configuration values.
func (e *EventizerConfig) Sanitize() {
	if strings.TrimSpace(e.Queue) == "" {
		e.Queue = "eventizer_jobs"
	}
	if e.Workers < 1 {
		e.Workers = 1
	}
	if e.JobLease < 5*time.Second {
		e.JobLease = 5 * time.Second
	}
	if e.PollInterval <= 0 {
		e.PollInterval = 5 * time.Second
	}
	if e.CheckpointEvery < 1 {
		e.CheckpointEvery = 1
	}
}

// IdentitiesConfig contains the identity service client and identity
// worker configuration. Identity task types are always registered;
// their jobs fail until a service URL is configured.
type IdentitiesConfig struct {
	// URL is the root of the identity service API.
	URL string `env:"URL"`

	// Token authenticates identity service requests with a static
	// bearer token.
	Token string `env:"TOKEN"`

	// TokenURL, ClientID and ClientSecret switch the client to OAuth2
	// client credentials.
	TokenURL     string   `env:"TOKEN_URL"`
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	Scopes       []string `env:"SCOPES" envSeparator:","`

	// Timeout is the per-request timeout of the identity service client.
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s"`

	// RetryLimit is how many times a failed identity service request is retried.
	RetryLimit int `env:"RETRY_LIMIT" envDefault:"3"`

	// Queue is the queue identity jobs are placed on.
	Queue string `env:"QUEUE" envDefault:"sortinghat_jobs"`

	// Workers is the number of worker goroutines draining the queue.
	Workers int `env:"WORKERS" envDefault:"2"`

	// JobLease is the duration to lease an identity job.
	JobLease time.Duration `env:"JOB_LEASE" envDefault:"60s"`

	// BotUser is the account identity jobs run as when no user is given.
	BotUser string `env:"BOT_USER" envDefault:"grimoirelab"`
}

// Sanitize applies guardrails to identities configuration values.
func (i *IdentitiesConfig) Sanitize() {
	i.URL = strings.TrimSpace(i.URL)
	if strings.TrimSpace(i.Queue) == "" {
		i.Queue = "sortinghat_jobs"
	}
	if i.Workers < 1 {
		i.Workers = 1
	}
	if i.JobLease < 5*time.Second {
		i.JobLease = 5 * time.Second
	}
	if i.Timeout <= 0 {
		i.Timeout = 30 * time.Second
	}
	if i.RetryLimit < 0 {
		i.RetryLimit = 0
	}
	if strings.TrimSpace(i.BotUser) == "" {
		i.BotUser = "grimoirelab"
	}
}

// EventsConfig contains event stream configuration.
type EventsConfig struct {
	// Stream is the Redis stream events are published to.
	Stream string `env:"EVENTS_STREAM" envDefault:"events"`

	// StreamMaxLength caps the stream length; older entries are trimmed
	// on publish. Zero disables trimming.
	StreamMaxLength int64 `env:"EVENTS_STREAM_MAX_LENGTH" envDefault:"2000000"`
}

// Sanitize applies guardrails to event stream configuration values.
func (e *EventsConfig) Sanitize() {
	if strings.TrimSpace(e.Stream) == "" {
		e.Stream = "events"
	}
	if e.StreamMaxLength < 0 {
		e.StreamMaxLength = 0
	}
}

// ArchivistConfig contains event stream consumer configuration.
type ArchivistConfig struct {
	// Index is the OpenSearch index events are written to.
	Index string `env:"ARCHIVIST_STORAGE_INDEX" envDefault:"events"`

	// Group names the consumer group; consumer names derive from it.
	Group string `env:"ARCHIVIST_GROUP" envDefault:"archivist"`

	// Workers is the number of consumers in the pool.
	Workers int `env:"ARCHIVIST_WORKERS" envDefault:"10"`

	// BulkSize caps how many events one index request carries.
	BulkSize int64 `env:"ARCHIVIST_BULK_SIZE" envDefault:"100"`

	// Block bounds how long a read waits for new stream entries.
	Block time.Duration `env:"ARCHIVIST_BLOCK" envDefault:"5s"`

	// ClaimIdle is how long a pending entry must sit unacknowledged
	// before another consumer claims it.
	ClaimIdle time.Duration `env:"ARCHIVIST_CLAIM_IDLE" envDefault:"5m"`

	// EventsFilter is a JMESPath expression; events it matches are
	// acknowledged without being indexed.
	EventsFilter string `env:"ARCHIVIST_EVENTS_FILTER"`
}

// Sanitize applies guardrails to archivist configuration values.
func (a *ArchivistConfig) Sanitize() {
	if strings.TrimSpace(a.Index) == "" {
		a.Index = "events"
	}
	if strings.TrimSpace(a.Group) == "" {
		a.Group = "archivist"
	}
	if a.Workers < 1 {
		a.Workers = 1
	}
	if a.BulkSize < 1 {
		a.BulkSize = 100
	}
	if a.Block <= 0 {
		a.Block = 5 * time.Second
	}
	if a.ClaimIdle < time.Second {
		a.ClaimIdle = 5 * time.Minute
	}
	a.EventsFilter = strings.TrimSpace(a.EventsFilter)
}

// RetentionConfig controls deletion of finished jobs.
type RetentionConfig struct {
	// MaxAge is how old a finished job may grow before a maintenance
	// sweep deletes it. Zero disables retention.
	MaxAge time.Duration `env:"RETENTION_MAX_AGE" envDefault:"0"`

	// KeepNewest is the number of newest jobs preserved per task
	// regardless of age.
	KeepNewest int `env:"RETENTION_KEEP_NEWEST" envDefault:"10"`
}

// Sanitize applies guardrails to retention configuration values.
func (r *RetentionConfig) Sanitize() {
	if r.MaxAge < 0 {
		r.MaxAge = 0
	}
	if r.KeepNewest < 0 {
		r.KeepNewest = 0
	}
}
