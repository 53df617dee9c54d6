package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"realtimeCollab/backend/internal/collab"
	"realtimeCollab/backend/internal/ot"
)

type SinkOptions struct {
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// 单次写入超时
	WriteTimeout time.Duration
}

// Backfill 按版本补拉提交流里缺失的操作，*collab.Rooms 实现它
type Backfill interface {
	Sync(ctx context.Context, docID string, from int) (collab.Snapshot, error)
}

// OpLogSink 把提交流写进操作日志。单协程顺序写，保证同一文档的版本按序落盘。
// 事件被订阅缓冲丢掉或写入失败留下的版本空洞，在下一个事件到来时从 Backfill 补齐。
type OpLogSink struct {
	log      OpLog
	opt      SinkOptions
	logger   *zap.Logger
	backfill Backfill
	// 每个文档已连续落盘的最高版本
	written map[string]int
}

// WithBackfill 设置补洞的来源，为空时只记录空洞
func (s *OpLogSink) WithBackfill(b Backfill) *OpLogSink {
	s.backfill = b
	return s
}

func NewOpLogSink(log OpLog, opt SinkOptions, logger *zap.Logger) *OpLogSink {
	if opt.MaxRetry <= 0 {
		opt.MaxRetry = 3
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 50 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = time.Second
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpLogSink{log: log, opt: opt, logger: logger.Named("oplog"), written: make(map[string]int)}
}

// Consume 读取事件直到 channel 关闭或 ctx 结束
func (s *OpLogSink) Consume(ctx context.Context, events <-chan collab.CommitEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			s.handle(ctx, evt)
		}
	}
}

func (s *OpLogSink) handle(ctx context.Context, evt collab.CommitEvent) {
	last := s.written[evt.DocumentID]
	if evt.Version <= last {
		return
	}
	if evt.BaseVersion > last && !s.fill(ctx, evt.DocumentID, last, evt.BaseVersion) {
		// 本事件连同空洞留给下一个事件一起补
		return
	}
	if s.write(ctx, evt) {
		s.written[evt.DocumentID] = evt.Version
	}
}

// fill 补写 (from, to] 之间的操作，每条操作一个事件。返回 false 表示稍后还要再补。
func (s *OpLogSink) fill(ctx context.Context, docID string, from, to int) bool {
	log := s.logger.With(zap.String("document_id", docID), zap.Int("from", from), zap.Int("to", to))
	if s.backfill == nil {
		log.Warn("op log has a gap and no backfill source, skipped")
		return true
	}
	wctx, cancel := context.WithTimeout(ctx, s.opt.WriteTimeout)
	snap, err := s.backfill.Sync(wctx, docID, from)
	cancel()
	if err != nil {
		log.Error("backfill sync failed", zap.Error(err))
		return false
	}
	for _, op := range snap.Operations {
		if op.Version <= from || op.Version > to {
			continue
		}
		ok := s.write(ctx, collab.CommitEvent{
			EventType:   collab.EventOpCommitted,
			DocumentID:  docID,
			BaseVersion: op.Version - 1,
			Version:     op.Version,
			SessionID:   op.OriginSession,
			Operations:  []ot.Operation{op},
			CommittedAt: time.Now(),
		})
		if !ok {
			return false
		}
		s.written[docID] = op.Version
	}
	if s.written[docID] < to {
		log.Warn("backfill source no longer has the missing versions, skipped", zap.Int("written", s.written[docID]))
		return true
	}
	log.Info("op log gap backfilled")
	return true
}

func (s *OpLogSink) write(ctx context.Context, evt collab.CommitEvent) bool {
	backoff := s.opt.BaseBackoff
	for attempt := 0; ; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, s.opt.WriteTimeout)
		err := s.log.Append(wctx, evt)
		cancel()
		if err == nil {
			return true
		}
		if attempt >= s.opt.MaxRetry || ctx.Err() != nil {
			s.logger.Error("append ops failed, giving up",
				zap.String("document_id", evt.DocumentID),
				zap.Int("version", evt.Version),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			return false
		}
		s.logger.Warn("append ops failed, retrying",
			zap.String("document_id", evt.DocumentID),
			zap.Int("version", evt.Version),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}
		backoff *= 2
		if backoff > s.opt.MaxBackoff {
			backoff = s.opt.MaxBackoff
		}
	}
}
