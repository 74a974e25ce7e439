package snapshotbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"

	"sdkrouter/internal/model"
	"sdkrouter/internal/policy"
)

type Config struct {
	Driver         string
	RedisURL       string
	SnapshotTopic  string
	RunTopic       string
	QueueSize      int
	SnapshotEveryN int
	ConsumerGroup  string
}

func ConfigFromPolicy(cfg policy.Config) Config {
	return Config{
		Driver:         cfg.Bus.Driver,
		RedisURL:       cfg.Bus.RedisURL,
		SnapshotTopic:  cfg.Bus.SnapshotTopic,
		RunTopic:       cfg.Bus.RunTopic,
		QueueSize:      cfg.Bus.QueueSize,
		SnapshotEveryN: cfg.Bus.SnapshotEveryN,
	}
}

func normalizeConfig(cfg Config) Config {
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.Driver == "" {
		cfg.Driver = policy.BusDriverNone
	}
	if strings.TrimSpace(cfg.SnapshotTopic) == "" {
		cfg.SnapshotTopic = "sdkrouter.snapshots"
	}
	if strings.TrimSpace(cfg.RunTopic) == "" {
		cfg.RunTopic = "sdkrouter.runs"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.SnapshotEveryN <= 0 {
		cfg.SnapshotEveryN = 1
	}
	if strings.TrimSpace(cfg.ConsumerGroup) == "" {
		cfg.ConsumerGroup = "sdkrouter"
	}
	return cfg
}

// SnapshotRecord is the payload written for every persisted snapshot.
type SnapshotRecord struct {
	Identity   model.BotIdentity `json:"identity"`
	Epoch      uint64            `json:"epoch"`
	Tick       int64             `json:"tick"`
	RecordedAt time.Time         `json:"recorded_at"`
	State      model.WorldState  `json:"state"`
}

type Stats struct {
	Driver    string `json:"driver"`
	Running   bool   `json:"running"`
	Queued    int    `json:"queued"`
	Published int64  `json:"published"`
	Dropped   int64  `json:"dropped"`
	Failed    int64  `json:"failed"`
	LastError string `json:"last_error,omitempty"`
}

type outboxMessage struct {
	topic string
	msg   *message.Message
}

// Runtime hands records to a watermill publisher from a bounded in-process
// outbox, so callers on the routing path never wait on the broker.
type Runtime struct {
	cfg      Config
	logger   *log.Logger
	wmLogger watermill.LoggerAdapter

	mu         sync.RWMutex
	running    bool
	publisher  message.Publisher
	subscriber message.Subscriber
	client     *redis.Client
	lastErr    error
	stopPump   context.CancelFunc
	pumpDone   chan struct{}

	outbox    chan outboxMessage
	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64

	sampleMu sync.Mutex
	samples  map[model.BotIdentity]int
}

func NewRuntime(cfg Config, logger *log.Logger) *Runtime {
	cfg = normalizeConfig(cfg)
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		wmLogger: watermill.NewStdLogger(false, false),
		outbox:   make(chan outboxMessage, cfg.QueueSize),
		samples:  make(map[model.BotIdentity]int),
	}
}

func (r *Runtime) Enabled() bool {
	return r != nil && r.cfg.Driver != policy.BusDriverNone
}

// Start connects the configured driver and begins draining the outbox.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || r.cfg.Driver == policy.BusDriverNone {
		return nil
	}
	switch r.cfg.Driver {
	case policy.BusDriverMemory:
		channel := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, r.wmLogger)
		r.publisher = channel
		r.subscriber = channel
	case policy.BusDriverRedis:
		if strings.TrimSpace(r.cfg.RedisURL) == "" {
			return fmt.Errorf("snapshot bus redis url is empty")
		}
		options, err := redis.ParseURL(r.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse snapshot bus redis url: %w", err)
		}
		client := redis.NewClient(options)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("ping snapshot bus redis: %w", err)
		}
		publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
			Client:     client,
			Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
		}, r.wmLogger)
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("create redis stream publisher: %w", err)
		}
		r.client = client
		r.publisher = publisher
	default:
		return fmt.Errorf("unsupported snapshot bus driver %q", r.cfg.Driver)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	r.stopPump = cancel
	r.pumpDone = make(chan struct{})
	r.running = true
	r.lastErr = nil
	go r.pump(pumpCtx, r.pumpDone)
	r.logf("event=started driver=%s snapshot_topic=%s run_topic=%s", r.cfg.Driver, r.cfg.SnapshotTopic, r.cfg.RunTopic)
	return nil
}

// Stop drains what is queued, then closes the driver.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stop := r.stopPump
	done := r.pumpDone
	r.mu.Unlock()

	stop()
	<-done
	_, _ = r.ProcessOnce(context.Background(), r.cfg.QueueSize)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publisher != nil {
		_ = r.publisher.Close()
	}
	if r.subscriber != nil && r.cfg.Driver == policy.BusDriverRedis {
		_ = r.subscriber.Close()
	}
	if r.client != nil {
		_ = r.client.Close()
	}
	r.publisher = nil
	r.subscriber = nil
	r.client = nil
}

func (r *Runtime) Healthy() error {
	if !r.Enabled() {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return fmt.Errorf("snapshot bus not started")
	}
	return r.lastErr
}

func (r *Runtime) Stats() Stats {
	stats := Stats{
		Driver:    r.cfg.Driver,
		Queued:    len(r.outbox),
		Published: r.published.Load(),
		Dropped:   r.dropped.Load(),
		Failed:    r.failed.Load(),
	}
	r.mu.RLock()
	stats.Running = r.running
	if r.lastErr != nil {
		stats.LastError = r.lastErr.Error()
	}
	r.mu.RUnlock()
	return stats
}

// Publish queues payload on topic without blocking. It fails when the outbox
// is full.
func (r *Runtime) Publish(topic string, messageKey string, payload any) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", fmt.Errorf("snapshot bus publish topic is required")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot bus payload: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), encoded)
	msg.Metadata.Set("key", strings.TrimSpace(messageKey))
	select {
	case r.outbox <- outboxMessage{topic: topic, msg: msg}:
		return msg.UUID, nil
	default:
		r.dropped.Add(1)
		return "", fmt.Errorf("snapshot bus outbox is full")
	}
}

// PublishSnapshot records every Nth snapshot of an identity.
func (r *Runtime) PublishSnapshot(identity model.BotIdentity, epoch uint64, state model.WorldState) {
	if !r.Enabled() || !r.sample(identity) {
		return
	}
	record := SnapshotRecord{
		Identity:   identity,
		Epoch:      epoch,
		Tick:       state.Tick,
		RecordedAt: time.Now().UTC(),
		State:      state,
	}
	if _, err := r.Publish(r.cfg.SnapshotTopic, string(identity), record); err != nil {
		r.logf("event=snapshot_dropped identity=%s tick=%d error=%q", identity, state.Tick, err.Error())
	}
}

func (r *Runtime) PublishReport(report model.RunReport) {
	if !r.Enabled() {
		return
	}
	if _, err := r.Publish(r.cfg.RunTopic, report.RunID, report); err != nil {
		r.logf("event=report_dropped run=%s error=%q", report.RunID, err.Error())
	}
}

// Subscribe reads topic from the configured driver.
func (r *Runtime) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil, fmt.Errorf("snapshot bus not started")
	}
	if r.subscriber == nil && r.client != nil {
		subscriber, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
			Client:        r.client,
			Unmarshaller:  redisstream.DefaultMarshallerUnmarshaller{},
			ConsumerGroup: r.cfg.ConsumerGroup,
		}, r.wmLogger)
		if err != nil {
			return nil, fmt.Errorf("create redis stream subscriber: %w", err)
		}
		r.subscriber = subscriber
	}
	if r.subscriber == nil {
		return nil, fmt.Errorf("snapshot bus driver %s cannot subscribe", r.cfg.Driver)
	}
	return r.subscriber.Subscribe(ctx, topic)
}

// ProcessOnce publishes up to limit queued messages and reports how many went
// out.
func (r *Runtime) ProcessOnce(ctx context.Context, limit int) (int, error) {
	processed := 0
	for processed < limit {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		select {
		case item := <-r.outbox:
			if err := r.publishOne(item); err != nil {
				return processed, err
			}
			processed++
		default:
			return processed, nil
		}
	}
	return processed, nil
}

func (r *Runtime) pump(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-r.outbox:
			_ = r.publishOne(item)
		}
	}
}

func (r *Runtime) publishOne(item outboxMessage) error {
	r.mu.RLock()
	publisher := r.publisher
	r.mu.RUnlock()
	if publisher == nil {
		r.failed.Add(1)
		return fmt.Errorf("snapshot bus not started")
	}
	if err := publisher.Publish(item.topic, item.msg); err != nil {
		r.failed.Add(1)
		r.setLastErr(err)
		r.logf("event=publish_failed topic=%s error=%q", item.topic, err.Error())
		return err
	}
	r.published.Add(1)
	r.setLastErr(nil)
	return nil
}

func (r *Runtime) sample(identity model.BotIdentity) bool {
	if r.cfg.SnapshotEveryN <= 1 {
		return true
	}
	r.sampleMu.Lock()
	defer r.sampleMu.Unlock()
	r.samples[identity]++
	return r.samples[identity]%r.cfg.SnapshotEveryN == 1
}

func (r *Runtime) setLastErr(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

func (r *Runtime) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf("snapshot bus: "+format, args...)
}
