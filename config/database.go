package config

// DBConfig contains PostgreSQL database configuration.
type DBConfig struct {
	Host     string `env:"HOST"                    envDefault:"localhost"`
	Port     int    `env:"PORT"                    envDefault:"5432"`
	User     string `env:"USER"                    envDefault:"grimoirelab"`
	Password string `env:"PASSWORD"                envDefault:"grimoirelab"`
	Name     string `env:"NAME"                    envDefault:"grimoirelab"`
	SSLMode  string `env:"SSL_MODE"                envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
	// MaxOpenConns caps the pool shared by every service in the process.
	MaxOpenConns int `env:"MAX_OPEN_CONNS"          envDefault:"25"`
	MaxIdleConns int `env:"MAX_IDLE_CONNS"          envDefault:"5"`
}

// RedisConfig contains Redis configuration.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	SentinelPort       string   `env:"SENTINEL_PORT"        envDefault:"26379"`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
}

// OpenSearchConfig contains OpenSearch storage configuration.
type OpenSearchConfig struct {
	URL      string `env:"URL"      envDefault:"https://localhost:9200"`
	Username string `env:"USERNAME" envDefault:""`
	Password string `env:"PASSWORD" envDefault:""`
	// VerifyCerts controls TLS certificate verification. Disable only for
	// development clusters running with self-signed certificates.
	VerifyCerts bool `env:"VERIFY_CERTS" envDefault:"true"`
	MaxRetries  int  `env:"MAX_RETRIES"  envDefault:"3"`
}
