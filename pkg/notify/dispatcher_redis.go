package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"personfinder/internal/util"
)

// Dispatcher carries case resolution events from the lifecycle controller to
// the notification service. Delivery is at-least-once; the service's
// idempotency key absorbs duplicates.
type Dispatcher interface {
	PublishCaseFound(ctx context.Context, ev FoundEvent) error
}

// SyncDispatcher delivers events inline. Used in tests and single-binary
// deployments where no broker is configured.
type SyncDispatcher struct {
	Service *Service
}

// PublishCaseFound delivers the event on the caller's goroutine.
func (d *SyncDispatcher) PublishCaseFound(ctx context.Context, ev FoundEvent) error {
	return d.Service.DeliverCaseFound(ctx, ev)
}

// RedisDispatcher publishes resolution events onto a redis stream and
// consumes them with a consumer group, reclaiming entries abandoned by dead
// consumers.
type RedisDispatcher struct {
	client    *redis.Client
	stream    string
	group     string
	consumer  string
	block     time.Duration
	claimIdle time.Duration
	readCount int64
	maxLen    int64
	once      sync.Once
}

// RedisDispatcherConfig configures the stream dispatcher.
type RedisDispatcherConfig struct {
	Addr      string
	Password  string
	Stream    string
	Group     string
	Consumer  string
	Block     time.Duration
	ClaimIdle time.Duration
	ReadCount int64
	MaxLen    int64
}

// NewRedisDispatcher validates config and connects the redis client.
func NewRedisDispatcher(cfg RedisDispatcherConfig) (*RedisDispatcher, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "personfinder:events"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "notifiers"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisDispatcher{
		client:    redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:    stream,
		group:     group,
		consumer:  consumer,
		block:     block,
		claimIdle: claimIdle,
		readCount: readCount,
		maxLen:    maxLen,
	}, nil
}

// PublishCaseFound appends the event to the stream.
func (d *RedisDispatcher) PublishCaseFound(ctx context.Context, ev FoundEvent) error {
	if strings.TrimSpace(ev.CaseID) == "" || strings.TrimSpace(ev.OwnerID) == "" {
		return errors.New("caseId and ownerId required")
	}
	return d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		MaxLen: d.maxLen,
		Approx: true,
		Values: map[string]any{
			"case_id":   ev.CaseID,
			"case_name": ev.CaseName,
			"owner_id":  ev.OwnerID,
		},
	}).Err()
}

// Start launches consumer goroutines feeding events to the handler.
// Handler failures leave the entry pending so another consumer can claim it.
func (d *RedisDispatcher) Start(ctx context.Context, concurrency int, handler func(context.Context, FoundEvent) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	d.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		go d.consumeLoop(ctx, handler)
	}
}

func (d *RedisDispatcher) ensureGroup(ctx context.Context) {
	d.once.Do(func() {
		err := d.client.XGroupCreateMkStream(ctx, d.stream, d.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("create consumer group", "stream", d.stream, "err", err)
		}
	})
}

func (d *RedisDispatcher) consumeLoop(ctx context.Context, handler func(context.Context, FoundEvent) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := d.claimPending(ctx); err == nil {
			for _, msg := range msgs {
				d.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := d.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    d.group,
			Consumer: d.consumer,
			Streams:  []string{d.stream, ">"},
			Count:    d.readCount,
			Block:    d.block,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				d.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (d *RedisDispatcher) claimPending(ctx context.Context) ([]redis.XMessage, error) {
	res, _, err := d.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   d.stream,
		Group:    d.group,
		Consumer: d.consumer,
		MinIdle:  d.claimIdle,
		Start:    "0-0",
		Count:    d.readCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (d *RedisDispatcher) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, FoundEvent) error) {
	caseID, _ := msg.Values["case_id"].(string)
	caseName, _ := msg.Values["case_name"].(string)
	ownerID, _ := msg.Values["owner_id"].(string)
	if caseID == "" || ownerID == "" {
		d.ackAndDel(ctx, msg.ID)
		return
	}
	ev := FoundEvent{CaseID: caseID, CaseName: caseName, OwnerID: ownerID}
	if err := handler(ctx, ev); err != nil {
		slog.Warn("deliver case.found event", "case_id", caseID, "err", err)
		return
	}
	d.ackAndDel(ctx, msg.ID)
}

func (d *RedisDispatcher) ackAndDel(ctx context.Context, msgID string) {
	_, _ = d.client.XAck(ctx, d.stream, d.group, msgID).Result()
	_, _ = d.client.XDel(ctx, d.stream, msgID).Result()
}
