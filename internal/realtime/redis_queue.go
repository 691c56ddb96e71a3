package realtime

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisBusConfig configures the Redis Streams replication bus.
type RedisBusConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	Group        string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	Buffer       int
	PoolSize     int
	MasterName   string
	// MaxLen caps the stream length with approximate trimming. Zero keeps
	// the default of 10000 entries.
	MaxLen int64
	TLS    RedisTLSConfig
}

// NewRedisBus initialises a bus backed by a Redis Stream. Every subscription
// gets its own consumer group so each hub instance sees every envelope.
func NewRedisBus(cfg RedisBusConfig) (Bus, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "livesync:deltas"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "livesync-hub"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 10000
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	bus := &redisBus{
		client:       client,
		stream:       stream,
		group:        group,
		blockTimeout: cfg.BlockTimeout,
		logger:       cfg.Logger,
		buffer:       cfg.Buffer,
		maxLen:       cfg.MaxLen,
	}
	if bus.logger == nil {
		bus.logger = slog.Default()
	}
	if bus.blockTimeout <= 0 {
		bus.blockTimeout = 2 * time.Second
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return bus, nil
}

type redisBus struct {
	client       redis.UniversalClient
	stream       string
	group        string
	blockTimeout time.Duration
	logger       *slog.Logger
	buffer       int
	maxLen       int64
}

func (b *redisBus) Publish(ctx context.Context, envelope Envelope) error {
	if err := envelope.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"payload": string(payload)},
	}).Err()
}

func (b *redisBus) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	consumer := "consumer-" + uuid.NewString()
	sub := &redisSubscription{
		bus:      b,
		group:    b.group + ":" + consumer,
		consumer: consumer,
		cancel:   cancel,
		ch:       make(chan Envelope, b.buffer),
		done:     make(chan struct{}),
	}
	if err := sub.ensureGroup(ctx); err != nil {
		b.logger.Error("redis bus group setup failed", "group", sub.group, "error", err)
	}
	go sub.run(ctx)
	return sub
}

func (b *redisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *redisBus) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	bus      *redisBus
	group    string
	consumer string
	cancel   context.CancelFunc

	groupMu    sync.Mutex
	groupReady atomic.Bool

	once sync.Once
	ch   chan Envelope
	done chan struct{}
}

func (s *redisSubscription) Events() <-chan Envelope {
	return s.ch
}

// Close stops the read loop and removes the subscription's consumer group.
func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.bus.client.XGroupDestroy(ctx, s.bus.stream, s.group).Err(); err != nil {
			s.bus.logger.Debug("redis bus group cleanup failed", "group", s.group, "error", err)
		}
	})
}

// ensureGroup creates the consumer group at the stream tail so only envelopes
// published after subscribing are delivered.
func (s *redisSubscription) ensureGroup(ctx context.Context) error {
	if s.groupReady.Load() {
		return nil
	}
	s.groupMu.Lock()
	defer s.groupMu.Unlock()
	if s.groupReady.Load() {
		return nil
	}
	err := s.bus.client.XGroupCreateMkStream(ctx, s.bus.stream, s.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	s.groupReady.Store(true)
	return nil
}

func (s *redisSubscription) run(ctx context.Context) {
	defer func() {
		close(s.ch)
		close(s.done)
	}()
	logger := s.bus.logger
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.ensureGroup(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("redis bus group ensure failed", "group", s.group, "error", err)
			sleepContext(ctx, 200*time.Millisecond)
			continue
		}
		streams, err := s.bus.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.bus.stream, ">"},
			Count:    32,
			Block:    s.bus.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if isNoGroup(err) {
				s.groupReady.Store(false)
			}
			logger.Warn("redis bus read failed", "group", s.group, "error", err)
			sleepContext(ctx, 200*time.Millisecond)
			continue
		}
		for _, stream := range streams {
			for _, message := range stream.Messages {
				envelope, err := decodeStreamMessage(message)
				if err != nil {
					logger.Error("redis bus decode failed", "id", message.ID, "error", err)
					s.ack(ctx, message.ID)
					continue
				}
				select {
				case s.ch <- envelope:
					s.ack(ctx, message.ID)
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *redisSubscription) ack(ctx context.Context, id string) {
	if err := s.bus.client.XAck(ctx, s.bus.stream, s.group, id).Err(); err != nil && ctx.Err() == nil {
		s.bus.logger.Warn("redis bus ack failed", "id", id, "error", err)
	}
}

func decodeStreamMessage(message redis.XMessage) (Envelope, error) {
	var raw string
	switch value := message.Values["payload"].(type) {
	case string:
		raw = value
	case []byte:
		raw = string(value)
	default:
		return Envelope{}, fmt.Errorf("payload field missing")
	}
	var envelope Envelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return Envelope{}, err
	}
	if err := envelope.validate(); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "NOGROUP")
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify, MinVersion: tls.VersionTLS12}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, fmt.Errorf("redis tls cert and key must both be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls keypair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
