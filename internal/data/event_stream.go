package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chaoss/grimoirelab-core/internal/core"
	"github.com/chaoss/grimoirelab-core/internal/domain/model"
)

// streamPayloadField is the stream entry field holding the serialized event.
const streamPayloadField = "data"

// StreamEntry is one event read from the stream together with its stream
// message id, which consumers use to acknowledge it.
type StreamEntry struct {
	MessageID string
	Event     json.RawMessage
}

// EventStream publishes and consumes events on a bounded Redis stream.
// Producers append with an approximate maximum length; old entries are
// evicted on overflow. Consumers read through consumer groups so each event
// is delivered to exactly one group member until acknowledged.
type EventStream struct {
	client    redis.UniversalClient
	stream    string
	maxLength int64
}

var _ core.EventPublisher = (*EventStream)(nil)

// EventStreamOptions configures an EventStream.
type EventStreamOptions struct {
	Client    redis.UniversalClient
	Stream    string
	MaxLength int64
}

// NewEventStream creates a new EventStream for the given stream name.
func NewEventStream(opts EventStreamOptions) (*EventStream, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Stream == "" {
		return nil, errors.New("stream name is required")
	}

	return &EventStream{
		client:    opts.Client,
		stream:    opts.Stream,
		maxLength: opts.MaxLength,
	}, nil
}

// MustNewEventStream creates a new EventStream and panics on invalid options.
func MustNewEventStream(opts EventStreamOptions) *EventStream {
	s, err := NewEventStream(opts)
	if err != nil {
		panic(err)
	}
	return s
}

// Stream returns the stream name this instance publishes to.
func (s *EventStream) Stream() string {
	return s.stream
}

// Add appends a serialized event to the stream, trimming it to roughly the
// configured maximum length.
func (s *EventStream) Add(ctx context.Context, event json.RawMessage) error {
	if len(event) == 0 {
		return errors.New("event payload cannot be empty")
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{streamPayloadField: []byte(event)},
	}
	if s.maxLength > 0 {
		args.MaxLen = s.maxLength
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Publish serializes an event and appends it to the stream.
func (s *EventStream) Publish(ctx context.Context, event *model.Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}
	return s.Add(ctx, payload)
}

// EnsureGroup creates a consumer group reading the stream from the
// beginning. Creating a group that already exists is not an error.
func (s *EventStream) EnsureGroup(ctx context.Context, group string) error {
	if group == "" {
		return errors.New("group name is required")
	}

	err := s.client.XGroupCreateMkStream(ctx, s.stream, group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("create group %s on %s: %w", group, s.stream, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	var redisErr redis.Error
	return errors.As(err, &redisErr) && strings.HasPrefix(redisErr.Error(), "BUSYGROUP")
}

// ReadParams bounds one consumer-group read.
type ReadParams struct {
	Group    string
	Consumer string
	Count    int64
	Block    time.Duration
}

// Read fetches up to Count new entries for the consumer, blocking up to
// Block when the stream is empty. A nil slice with nil error means the read
// timed out without data.
func (s *EventStream) Read(ctx context.Context, params ReadParams) ([]StreamEntry, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    params.Group,
		Consumer: params.Consumer,
		Streams:  []string{s.stream, ">"},
		Count:    params.Count,
		Block:    params.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", s.stream, err)
	}

	return collectStreamEntries(res), nil
}

// ClaimParams bounds one recovery pass over another consumer's pending
// entries.
type ClaimParams struct {
	Group    string
	Consumer string
	MinIdle  time.Duration
	Count    int64
}

// ClaimPending transfers ownership of entries that have been pending longer
// than MinIdle to this consumer, so work from dead consumers is not lost.
func (s *EventStream) ClaimPending(ctx context.Context, params ClaimParams) ([]StreamEntry, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.stream,
		Group:    params.Group,
		Consumer: params.Consumer,
		MinIdle:  params.MinIdle,
		Start:    "0-0",
		Count:    params.Count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim %s: %w", s.stream, err)
	}

	entries := make([]StreamEntry, 0, len(msgs))
	for _, msg := range msgs {
		if entry, ok := entryFromMessage(msg); ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Ack acknowledges processed entries so the group will not redeliver them.
func (s *EventStream) Ack(ctx context.Context, group string, messageIDs ...string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	if err := s.client.XAck(ctx, s.stream, group, messageIDs...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", s.stream, err)
	}
	return nil
}

// Len returns the number of entries currently retained by the stream.
func (s *EventStream) Len(ctx context.Context) (int64, error) {
	n, err := s.client.XLen(ctx, s.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", s.stream, err)
	}
	return n, nil
}

// Health checks the health of the Redis connection.
func (s *EventStream) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func collectStreamEntries(streams []redis.XStream) []StreamEntry {
	var entries []StreamEntry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			if entry, ok := entryFromMessage(msg); ok {
				entries = append(entries, entry)
			}
		}
	}
	return entries
}

func entryFromMessage(msg redis.XMessage) (StreamEntry, bool) {
	raw, ok := msg.Values[streamPayloadField]
	if !ok {
		return StreamEntry{}, false
	}

	var payload []byte
	switch v := raw.(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		return StreamEntry{}, false
	}

	return StreamEntry{
		MessageID: msg.ID,
		Event:     json.RawMessage(payload),
	}, true
}
