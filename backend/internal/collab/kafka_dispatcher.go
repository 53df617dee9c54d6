package collab

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// KafkaDispatcher：按文档分片的本地有界队列 + worker 异步发送 + 有限重试。
// - 同一文档的事件总是落在同一个 worker，Kafka 里按 version 有序
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 重试耗尽后丢弃并记日志，提交事件不要求强一致
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queues []chan CommitEvent

	// sem 限制并发的 SendMessage 数量
	sem *SemaphoreControl

	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	logger *zap.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions, logger *zap.Logger) *KafkaDispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 100 * time.Millisecond
	}
	if opt.MaxBackoff < opt.BaseBackoff {
		opt.MaxBackoff = opt.BaseBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queues:      make([]chan CommitEvent, opt.Workers),
		sem:         sem,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		logger:      logger.Named("kafka"),
		stop:        make(chan struct{}),
	}
	for i := range d.queues {
		d.queues[i] = make(chan CommitEvent, opt.QueueSize)
	}
	d.start()
	return d
}

func (d *KafkaDispatcher) start() {
	for i, q := range d.queues {
		d.wg.Add(1)
		go d.workerLoop(i, q)
	}
}

func (d *KafkaDispatcher) shard(docID string) chan CommitEvent {
	h := fnv.New32a()
	_, _ = h.Write([]byte(docID))
	return d.queues[h.Sum32()%uint32(len(d.queues))]
}

// Enqueue：把事件放入文档对应的队列。
// - 队列满时，等待直到 ctx 超时
// - ctx 超时返回错误
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt CommitEvent) error {
	select {
	case d.shard(evt.DocumentID) <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 从提交流读取事件直到 channel 关闭或 ctx 结束，然后排空队列
func (d *KafkaDispatcher) Consume(ctx context.Context, events <-chan CommitEvent) error {
	defer d.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := d.Enqueue(ctx, evt); err != nil {
				d.logger.Warn("kafka enqueue aborted", zap.String("document_id", evt.DocumentID), zap.Error(err))
				return nil
			}
		}
	}
}

// Close 停止接收，等待 worker 把已入队的事件发完
func (d *KafkaDispatcher) Close() {
	d.once.Do(func() {
		for _, q := range d.queues {
			close(q)
		}
		d.wg.Wait()
	})
}

// Abort 让正在退避的 worker 立即放弃重试
func (d *KafkaDispatcher) Abort() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int, queue <-chan CommitEvent) {
	defer d.wg.Done()
	for evt := range queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt CommitEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.sem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			d.logger.Error("kafka send failed, drop event",
				zap.String("document_id", evt.DocumentID),
				zap.Int("version", evt.Version),
				zap.Int("worker", workerID),
				zap.Error(err))
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-d.stop:
			timer.Stop()
			return
		}
	}
}

func (d *KafkaDispatcher) sendOnce(evt CommitEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocumentID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

// NewSyncProducer 提交事件用的同步 producer
func NewSyncProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	// SyncProducer 必须开启 Return.Successes
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	// 同一文档的事件进同一个分区
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(brokers, cfg)
}
