// Copyright 2024 Matterline Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package matterline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/matterline/matterline-go/consumer"
	"github.com/matterline/matterline-go/gate"
	"github.com/matterline/matterline-go/idempotency"
	"github.com/matterline/matterline-go/internal/broker"
	"github.com/matterline/matterline-go/monitor"
	"github.com/matterline/matterline-go/ratelimit"
	"github.com/matterline/matterline-go/sessions"
	"github.com/matterline/matterline-go/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
)

// Client is the process-level entry point. It owns the broker
// connection and hands out the session queue, workers, batch
// consumers, and request gates that share it.
type Client struct {
	conn    *broker.ConnectionManager
	broker  broker.Broker
	queue   *sessions.Queue
	logger  *slog.Logger
	metrics *telemetry.Metrics
	redis   redis.UniversalClient
}

type clientConfig struct {
	logger        *slog.Logger
	lockDuration  time.Duration
	meterProvider metric.MeterProvider
	redis         redis.UniversalClient
	inMemory      bool
}

// ClientOption configures the client.
type ClientOption func(*clientConfig)

// WithLogger sets the logger used across all components.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger installs a JSON logger writing to stdout.
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
}

// WithLockDuration sets the session lease granted to consumers.
func WithLockDuration(d time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		if d > 0 {
			cfg.lockDuration = d
		}
	}
}

// WithMeterProvider enables metrics through the given provider.
func WithMeterProvider(provider metric.MeterProvider) ClientOption {
	return func(cfg *clientConfig) {
		cfg.meterProvider = provider
	}
}

// WithRedis backs rate limit counters and idempotency records with
// Redis, so every process sharing it enforces the same quotas and
// replays the same responses. Without it both fall back to process
// memory.
func WithRedis(client redis.UniversalClient) ClientOption {
	return func(cfg *clientConfig) {
		cfg.redis = client
	}
}

// WithInMemoryTransport replaces the AMQP transport with an
// in-process broker. The connection string is ignored. Meant for
// tests and local development.
func WithInMemoryTransport() ClientOption {
	return func(cfg *clientConfig) {
		cfg.inMemory = true
	}
}

// NewClient creates a client connected to the given AMQP endpoint.
func NewClient(connectionString string) (*Client, error) {
	return NewClientWithOptions(connectionString, WithDefaultLogger())
}

// NewClientWithOptions creates a client with options.
func NewClientWithOptions(connectionString string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:       slog.Default(),
		lockDuration: broker.DefaultLockDuration,
	}

	for _, opt := range options {
		opt(cfg)
	}

	var metrics *telemetry.Metrics
	if cfg.meterProvider != nil {
		m, err := telemetry.NewMetrics(cfg.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		metrics = m
	}

	c := &Client{
		logger:  cfg.logger,
		metrics: metrics,
		redis:   cfg.redis,
	}

	if cfg.inMemory {
		c.broker = broker.NewMemoryBroker(
			broker.WithMemoryLogger(cfg.logger),
			broker.WithLockDuration(cfg.lockDuration),
		)
	} else {
		if connectionString == "" {
			return nil, fmt.Errorf("connection string cannot be empty")
		}
		conn := broker.NewConnectionManager(connectionString,
			broker.WithConnectionLogger(cfg.logger),
		)
		if err := conn.Connect(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		c.conn = conn
		c.broker = broker.NewAMQPBroker(conn,
			broker.WithAMQPLogger(cfg.logger),
			broker.WithAMQPLockDuration(cfg.lockDuration),
		)
	}

	c.queue = sessions.NewQueue(c.broker,
		sessions.WithQueueLogger(cfg.logger),
		sessions.WithQueueLockDuration(cfg.lockDuration),
	)

	return c, nil
}

// Queue returns the tenant-ordered session queue.
func (c *Client) Queue() *sessions.Queue {
	return c.queue
}

// Metrics returns the client's counter set, nil when metrics are not
// configured. Instrumented components treat nil as a no-op.
func (c *Client) Metrics() *telemetry.Metrics {
	return c.metrics
}

// NewWorker creates a session worker for a queue domain.
func (c *Client) NewWorker(domain string, handler sessions.Handler, options ...sessions.WorkerOption) (*sessions.Worker, error) {
	opts := append([]sessions.WorkerOption{sessions.WithWorkerLogger(c.logger)}, options...)
	return sessions.NewWorker(c.queue, domain, handler, opts...)
}

// NewBatchConsumer creates a chunked consumer for unordered queues.
func (c *Client) NewBatchConsumer(table *consumer.DispatchTable, options ...consumer.BatchOption) (*consumer.BatchConsumer, error) {
	opts := append([]consumer.BatchOption{
		consumer.WithBatchLogger(c.logger),
		consumer.WithBatchMetrics(c.metrics),
	}, options...)
	return consumer.NewBatchConsumer(c.broker, table, opts...)
}

// NewGate creates a request gate over the given credential store. The
// rate limit counters and idempotency records live in Redis when the
// client was built with WithRedis, otherwise in process memory.
func (c *Client) NewGate(creds gate.CredentialStore, options ...gate.GateOption) (*gate.Gate, error) {
	var counterStore ratelimit.CounterStore
	var recordStore idempotency.RecordStore

	if c.redis != nil {
		cs, err := ratelimit.NewRedisCounterStore(c.redis)
		if err != nil {
			return nil, err
		}
		rs, err := idempotency.NewRedisStore(c.redis)
		if err != nil {
			return nil, err
		}
		counterStore, recordStore = cs, rs
	} else {
		counterStore = ratelimit.NewMemoryCounterStore()
		recordStore = idempotency.NewMemoryStore()
	}

	limiter, err := ratelimit.NewLimiter(counterStore, ratelimit.WithLimiterLogger(c.logger))
	if err != nil {
		return nil, err
	}
	cache, err := idempotency.NewCache(recordStore, idempotency.WithCacheLogger(c.logger))
	if err != nil {
		return nil, err
	}

	opts := append([]gate.GateOption{
		gate.WithGateLogger(c.logger),
		gate.WithGateMetrics(c.metrics),
	}, options...)
	return gate.NewGate(creds, limiter, cache, opts...)
}

// Inspector returns a best-effort queue depth reader.
func (c *Client) Inspector() (*monitor.Inspector, error) {
	return monitor.NewInspector(c.broker, monitor.WithInspectorLogger(c.logger))
}

// Close shuts the transport down. Workers and consumers should be
// stopped first; in-flight operations fail once the broker is gone.
func (c *Client) Close() error {
	var firstErr error
	if err := c.broker.Close(); err != nil {
		firstErr = err
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
