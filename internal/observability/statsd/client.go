// Package statsd emits application metrics using the StatsD line
// protocol over UDP. Emission is fire and forget: a metric that cannot
// be written is dropped after a debug log, never surfaced to callers.
package statsd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const dialTimeout = 5 * time.Second

// Sink is the metric emission interface services depend on. A nil Sink
// is valid and drops every metric.
type Sink interface {
	Count(name string, value int64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
	Timing(name string, value time.Duration, tags map[string]string)
}

// Config carries the StatsD endpoint settings.
type Config struct {
	Enabled bool
	Address string
	// Prefix is prepended to every metric name, dot separated.
	Prefix string
	Logger *slog.Logger
	// GlobalTags are attached to every metric in addition to the tags
	// passed at the call site. Call-site tags win on key collisions.
	GlobalTags map[string]string
}

// Client writes metrics to a StatsD daemon over UDP. All methods are
// safe for concurrent use and on a nil receiver.
type Client struct {
	prefix     string
	globalTags map[string]string
	// globalSuffix is the rendered tag section for metrics without
	// call-site tags, precomputed so the common path skips sorting.
	globalSuffix string
	logger       *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	enabled bool
}

var _ Sink = (*Client)(nil)

// NewClient connects to the configured endpoint. When disabled, or when
// no address is set, the returned client discards every metric.
func NewClient(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		prefix:     strings.Trim(strings.TrimSpace(cfg.Prefix), "."),
		globalTags: copyTags(cfg.GlobalTags),
		logger:     logger,
	}
	c.globalSuffix = renderTags(c.globalTags, nil)

	addr := strings.TrimSpace(cfg.Address)
	if !cfg.Enabled || addr == "" {
		return c, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("statsd dial %s: %w", addr, err)
	}

	c.conn = conn
	c.enabled = true
	return c, nil
}

// Enabled reports whether metrics are actually being sent.
func (c *Client) Enabled() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled && c.conn != nil
}

// Count adds value to the named counter.
func (c *Client) Count(name string, value int64, tags map[string]string) {
	if c == nil {
		return
	}
	c.emit(name, strconv.FormatInt(value, 10), "c", tags)
}

// Gauge sets the named gauge to value.
func (c *Client) Gauge(name string, value float64, tags map[string]string) {
	if c == nil {
		return
	}
	c.emit(name, formatFloat(value), "g", tags)
}

// Timing records value as a duration in milliseconds.
func (c *Client) Timing(name string, value time.Duration, tags map[string]string) {
	if c == nil {
		return
	}
	c.emit(name, formatFloat(float64(value)/float64(time.Millisecond)), "ms", tags)
}

// Close shuts the connection down. Further metrics are dropped.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.enabled = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) emit(name, value, kind string, tags map[string]string) {
	name = cleanName(name)
	if name == "" {
		return
	}

	var line strings.Builder
	line.Grow(len(c.prefix) + len(name) + len(value) + len(kind) + len(c.globalSuffix) + 3)
	if c.prefix != "" {
		line.WriteString(c.prefix)
		line.WriteByte('.')
	}
	line.WriteString(name)
	line.WriteByte(':')
	line.WriteString(value)
	line.WriteByte('|')
	line.WriteString(kind)
	if len(tags) == 0 {
		line.WriteString(c.globalSuffix)
	} else {
		line.WriteString(renderTags(c.globalTags, tags))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled || c.conn == nil {
		return
	}
	if _, err := c.conn.Write([]byte(line.String())); err != nil {
		c.logger.Debug("statsd write failed", "error", err)
	}
}

// cleanName replaces characters with a meaning in the line protocol and
// normalises separators so dashboards group related metrics.
func cleanName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', ':', '|', '#', '@':
			return '_'
		default:
			return r
		}
	}, name)
	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", ".")
	}
	return strings.Trim(name, ".")
}

// renderTags renders the DogStatsD tag section. Call-site tags override
// global ones; keys are sorted so the output is stable.
func renderTags(global, local map[string]string) string {
	if len(global) == 0 && len(local) == 0 {
		return ""
	}

	merged := make(map[string]string, len(global)+len(local))
	for k, v := range global {
		if k = strings.TrimSpace(k); k != "" {
			merged[k] = strings.TrimSpace(v)
		}
	}
	for k, v := range local {
		if k = strings.TrimSpace(k); k != "" {
			merged[k] = strings.TrimSpace(v)
		}
	}
	if len(merged) == 0 {
		return ""
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("|#")
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(merged[k])
	}
	return b.String()
}

func copyTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
