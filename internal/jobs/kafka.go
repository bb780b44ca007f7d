package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/rafaeljc/tally/internal/config"
	"github.com/rafaeljc/tally/internal/logger"
	"github.com/rafaeljc/tally/internal/observability"
	"github.com/rafaeljc/tally/internal/validation"
)

// MessageReader is the subset of *kafka.Reader the source uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// MessageWriter is the subset of *kafka.Writer the enqueuer and dead-letter sink use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaReader builds a consumer-group reader on the jobs topic.
func NewKafkaReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.JobsTopic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		MaxWait:  cfg.MaxWait,
	})
}

// NewKafkaWriter builds a writer for topic, hashing keys onto partitions.
func NewKafkaWriter(cfg config.KafkaConfig, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// KafkaSource reads envelopes from a topic. Several workers may hold messages of
// the same partition at once, but a group commit covers every lower offset, so the
// source commits only the contiguous prefix of acknowledged offsets per partition.
// An envelope interrupted by shutdown stays uncommitted, together with everything
// after it, and is redelivered to the group.
type KafkaSource struct {
	reader MessageReader
	logger *slog.Logger

	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

// partitionOffsets tracks the fetched offsets of one partition that are not yet
// committed, in fetch order.
type partitionOffsets struct {
	pending []int64
	acked   map[int64]kafka.Message
}

func NewKafkaSource(reader MessageReader, l *slog.Logger) *KafkaSource {
	validation.AssertDependency(reader, "kafka reader")
	return &KafkaSource{
		reader:     reader,
		logger:     logger.OrDefault(l),
		partitions: make(map[int]*partitionOffsets),
	}
}

func (s *KafkaSource) Receive(ctx context.Context) (*Delivery, error) {
	msg, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job message: %w", err)
	}
	s.track(msg)
	commit := func(ctx context.Context) error { return s.ack(ctx, msg) }

	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		observability.DeadLetters.WithLabelValues("malformed").Inc()
		s.logger.Error("skipping malformed job message",
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		if err := commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit malformed message: %w", err)
		}
		return nil, nil
	}
	return &Delivery{Envelope: &env, Ack: commit}, nil
}

func (s *KafkaSource) track(msg kafka.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[msg.Partition]
	if ok && len(p.pending) > 0 && msg.Offset <= p.pending[len(p.pending)-1] {
		// The group rebalanced and the partition restarts from its committed offset.
		ok = false
	}
	if !ok {
		p = &partitionOffsets{acked: make(map[int64]kafka.Message)}
		s.partitions[msg.Partition] = p
	}
	p.pending = append(p.pending, msg.Offset)
}

// ack marks msg as done and commits the highest offset below which every fetched
// message of its partition is done.
func (s *KafkaSource) ack(ctx context.Context, msg kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[msg.Partition]
	if !ok || !slices.Contains(p.pending, msg.Offset) {
		// Fetched before a rebalance; the group redelivers it.
		return nil
	}
	p.acked[msg.Offset] = msg

	var last *kafka.Message
	n := 0
	for _, off := range p.pending {
		m, done := p.acked[off]
		if !done {
			break
		}
		last = &m
		n++
	}
	if last == nil {
		return nil
	}
	if err := s.reader.CommitMessages(ctx, *last); err != nil {
		return err
	}
	for _, off := range p.pending[:n] {
		delete(p.acked, off)
	}
	p.pending = p.pending[n:]
	return nil
}

// KafkaEnqueuer writes envelopes to the jobs topic.
type KafkaEnqueuer struct {
	writer MessageWriter
}

func NewKafkaEnqueuer(writer MessageWriter) *KafkaEnqueuer {
	validation.AssertDependency(writer, "kafka writer")
	return &KafkaEnqueuer{writer: writer}
}

func (e *KafkaEnqueuer) Enqueue(ctx context.Context, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	msg := kafka.Message{
		Key:     []byte(env.ID),
		Value:   body,
		Headers: []kafka.Header{{Key: "job-kind", Value: []byte(env.Kind)}},
	}
	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", env.ID, err)
	}
	return nil
}

// KafkaDeadLetters writes dead letters to a dedicated topic.
type KafkaDeadLetters struct {
	writer MessageWriter
}

func NewKafkaDeadLetters(writer MessageWriter) *KafkaDeadLetters {
	validation.AssertDependency(writer, "kafka writer")
	return &KafkaDeadLetters{writer: writer}
}

func (d *KafkaDeadLetters) DeadLetter(ctx context.Context, dl DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter: %w", err)
	}
	return d.writer.WriteMessages(ctx, kafka.Message{Key: []byte(dl.Envelope.ID), Value: body})
}

// KafkaChecker reports whether any configured broker accepts a connection and
// returns cluster metadata.
type KafkaChecker struct {
	brokers []string
	dialer  *kafka.Dialer
}

func NewKafkaChecker(brokers []string) *KafkaChecker {
	return &KafkaChecker{brokers: brokers, dialer: &kafka.Dialer{}}
}

func (c *KafkaChecker) Name() string { return "kafka" }

func (c *KafkaChecker) Check(ctx context.Context) error {
	var lastErr error
	for _, addr := range c.brokers {
		conn, err := c.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return fmt.Errorf("no kafka brokers configured")
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}
