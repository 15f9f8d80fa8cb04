package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// EventDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - 不阻塞会话（Publish 只负责入队，队列满直接丢弃并记录）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
type EventDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan OperationEvent
	wg     sync.WaitGroup

	// 限制并发的 SendMessage 数量
	sendSem *semaphore.Weighted

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type EventDispatcherOptions struct {
	QueueSize      int
	Workers        int
	MaxRetry       int
	MaxConcurrency int64
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

var _ Publisher = (*EventDispatcher)(nil)

func NewEventDispatcher(producer sarama.SyncProducer, topic string, opt EventDispatcherOptions, logger *zap.Logger) *EventDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.MaxConcurrency <= 0 {
		opt.MaxConcurrency = int64(opt.Workers)
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 50 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = time.Second
	}
	d := &EventDispatcher{
		producer:    producer,
		topic:       topic,
		logger:      logger,
		queue:       make(chan OperationEvent, opt.QueueSize),
		sendSem:     semaphore.NewWeighted(opt.MaxConcurrency),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// Publish 只关心 operation_applied；在会话串行执行点内被调用，不能阻塞
func (d *EventDispatcher) Publish(ev Event) {
	evt, ok := operationEventFrom(ev)
	if !ok {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- evt:
	default:
		d.logger.Warn("kafka queue full, drop event",
			zap.String("resource", evt.ResourceID),
			zap.String("operation", evt.OperationID),
			zap.Uint64("version", evt.Version))
	}
}

// Enqueue 队列满时等待直到 ctx 结束（审计流不要求每条必达）
func (d *EventDispatcher) Enqueue(ctx context.Context, evt OperationEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return context.Canceled
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 停止接收，等待队列中已有事件发送完毕
func (d *EventDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *EventDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *EventDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *EventDispatcher) sendWithRetry(workerID int, evt OperationEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		// worker 允许一直等待（不会影响会话）
		_ = d.sendSem.Acquire(context.Background(), 1)
		err := d.sendOnce(evt)
		d.sendSem.Release(1)

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			d.logger.Error("kafka send failed, drop event",
				zap.String("resource", evt.ResourceID),
				zap.String("operation", evt.OperationID),
				zap.Uint64("version", evt.Version),
				zap.Int("worker", workerID),
				zap.Error(err))
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *EventDispatcher) sendOnce(evt OperationEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.ResourceID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
