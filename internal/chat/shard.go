package chat

import (
	"context"
	"sync/atomic"
	"time"

	appErrors "sudooom.civic.realtime/internal/errors"
	"sudooom.civic.realtime/internal/model"
)

// pendingBatch is the queue of one conversation between flushes.
type pendingBatch struct {
	messages []model.NewMessage
	timer    *time.Timer
	seq      uint64
	due      bool
}

// shard owns the pending batches of the conversations hashed to it. Every
// field except pending is only touched from run.
type shard struct {
	id       int
	engine   *Engine
	cmds     chan func()
	batches  map[string]*pendingBatch
	flushing map[string]bool
	seq      uint64
	draining bool
	pending  atomic.Int64
}

func newShard(id int, e *Engine) *shard {
	return &shard{
		id:       id,
		engine:   e,
		cmds:     make(chan func(), 256),
		batches:  make(map[string]*pendingBatch),
		flushing: make(map[string]bool),
	}
}

func (s *shard) run() {
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.engine.done:
			return
		}
	}
}

// call runs fn on the shard goroutine and waits until it has run.
func (s *shard) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	cmd := func() {
		fn()
		close(done)
	}

	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.engine.done:
		return appErrors.ErrShuttingDown
	}

	select {
	case <-done:
		return nil
	case <-s.engine.done:
		return appErrors.ErrShuttingDown
	}
}

// post queues fn without waiting. Used from timer goroutines.
func (s *shard) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.engine.done:
	}
}

func (s *shard) enqueue(ctx context.Context, conversationID string, msgs []model.NewMessage) (int, error) {
	var (
		queued int
		err    error
	)
	if callErr := s.call(ctx, func() {
		queued, err = s.append(conversationID, msgs)
	}); callErr != nil {
		return 0, callErr
	}
	return queued, err
}

func (s *shard) append(conversationID string, msgs []model.NewMessage) (int, error) {
	if s.draining {
		return 0, appErrors.ErrShuttingDown
	}

	b := s.batches[conversationID]
	current := 0
	if b != nil {
		current = len(b.messages)
	}
	if current+len(msgs) > s.engine.config.MaxQueue {
		s.engine.logger.Warn("Conversation queue full",
			"conversation_id", conversationID,
			"queued", current,
			"rejected", len(msgs))
		return 0, appErrors.ErrBackpressure
	}

	if b == nil {
		b = &pendingBatch{}
		s.batches[conversationID] = b
	}
	b.messages = append(b.messages, msgs...)
	s.pending.Add(int64(len(msgs)))

	if b.timer == nil && !b.due {
		s.seq++
		seq := s.seq
		b.seq = seq
		b.timer = time.AfterFunc(s.engine.config.FlushDelay, func() {
			s.post(func() { s.timerFired(conversationID, seq) })
		})
	}

	return len(b.messages), nil
}

func (s *shard) timerFired(conversationID string, seq uint64) {
	b := s.batches[conversationID]
	if b == nil || b.seq != seq {
		return
	}
	b.timer = nil
	b.due = true
	s.dispatch(conversationID)
}

// dispatch hands a due batch to the executor. A conversation has at most one
// flush in flight; a batch that comes due meanwhile waits for finish.
func (s *shard) dispatch(conversationID string) {
	if s.flushing[conversationID] {
		return
	}
	b := s.batches[conversationID]
	if b == nil || !b.due || len(b.messages) == 0 {
		return
	}

	delete(s.batches, conversationID)
	s.pending.Add(-int64(len(b.messages)))
	s.flushing[conversationID] = true

	e := s.engine
	msgs := b.messages
	e.inflight.Add(1)
	task := func() {
		defer e.inflight.Done()
		e.flush(conversationID, msgs)
		s.finish(conversationID)
	}

	if !e.exec.TrySubmit(task) {
		e.logger.Warn("Worker pool saturated, flushing on a dedicated goroutine",
			"conversation_id", conversationID,
			"shard", s.id)
		go task()
	}
}

func (s *shard) finish(conversationID string) {
	_ = s.call(context.Background(), func() {
		delete(s.flushing, conversationID)
		s.dispatch(conversationID)
	})
}

// drain makes every batch due now and rejects later appends.
func (s *shard) drain() {
	s.draining = true
	for conversationID, b := range s.batches {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		b.due = true
		s.dispatch(conversationID)
	}
}
