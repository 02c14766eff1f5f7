package config

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8000"`

	// MaxConns caps the number of simultaneous client connections the
	// server accepts. Zero or negative disables the cap.
	MaxConns int `env:"HTTP_MAX_CONNS" envDefault:"1024"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	if h.Addr == "" {
		h.Addr = ":8000"
	}
	if h.MaxConns < 0 {
		h.MaxConns = 0
	}
}
