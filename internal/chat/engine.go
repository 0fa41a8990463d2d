package chat

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	appErrors "sudooom.civic.realtime/internal/errors"
	"sudooom.civic.realtime/internal/model"
	"sudooom.civic.realtime/internal/protocol"
	"sudooom.civic.realtime/internal/workerpool"
)

// Mode selects how a submitted message reaches the store.
type Mode string

const (
	ModeImmediate Mode = protocol.ModeImmediate
	ModeBatched   Mode = protocol.ModeBatched
)

// ParseMode maps a wire mode to a Mode. Empty means immediate.
func ParseMode(s string) Mode {
	if s == protocol.ModeBatched {
		return ModeBatched
	}
	return ModeImmediate
}

// Store is the persistence surface the engine needs.
type Store interface {
	InsertMessage(ctx context.Context, msg model.NewMessage) (model.Message, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	UpdateConversationTimestamp(ctx context.Context, conversationID string, at time.Time) error
	SoftDeleteMessage(ctx context.Context, conversationID, messageID, senderID string) (bool, error)
}

// Broadcaster delivers events to everyone in a conversation room.
type Broadcaster interface {
	BroadcastToRoom(roomID string, ev protocol.ServerEvent, exceptUserID string) int
}

// Executor runs flushes off the shard goroutines.
type Executor interface {
	TrySubmit(task workerpool.Task) bool
}

type Config struct {
	FlushDelay       time.Duration
	MaxQueue         int
	Shards           int
	StoreTimeout     time.Duration
	MaxContentLength int
}

// SubmitRequest is one message as handed over by the connection layer.
type SubmitRequest struct {
	ConversationID string `validate:"required,max=128"`
	SenderID       string `validate:"required,max=128"`
	Content        string `validate:"required"`
	MessageType    string `validate:"omitempty,oneof=text image file system"`
}

// Result tells the caller what happened to an accepted submit. Message is set
// for immediate mode; Queued is the number of messages buffered in batched mode.
type Result struct {
	Message *model.Message
	Queued  int
}

// Engine accepts chat messages, persists them and broadcasts the results.
// Pending batches live on shard goroutines chosen by conversation id, so a
// conversation's queue and flush timer are only touched by one goroutine.
type Engine struct {
	store       Store
	broadcaster Broadcaster
	exec        Executor
	config      Config
	validate    *validator.Validate
	shards      []*shard
	draining    atomic.Bool
	inflight    sync.WaitGroup
	done        chan struct{}
	closeOnce   sync.Once
	logger      *slog.Logger
}

func NewEngine(store Store, broadcaster Broadcaster, exec Executor, config Config, logger *slog.Logger) *Engine {
	if config.Shards <= 0 {
		config.Shards = 8
	}
	if config.MaxQueue <= 0 {
		config.MaxQueue = 256
	}
	if config.FlushDelay <= 0 {
		config.FlushDelay = 50 * time.Millisecond
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = 5 * time.Second
	}
	if config.MaxContentLength <= 0 {
		config.MaxContentLength = 4000
	}

	e := &Engine{
		store:       store,
		broadcaster: broadcaster,
		exec:        exec,
		config:      config,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		done:        make(chan struct{}),
		logger:      logger.With("component", "chat"),
	}

	e.shards = make([]*shard, config.Shards)
	for i := range e.shards {
		e.shards[i] = newShard(i, e)
		go e.shards[i].run()
	}

	e.logger.Info("Chat engine started",
		"shards", config.Shards,
		"flush_delay", config.FlushDelay,
		"max_queue", config.MaxQueue)

	return e
}

// Submit validates one message, checks membership and either persists it now
// or queues it for the conversation's next flush.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest, mode Mode) (Result, error) {
	if e.draining.Load() {
		return Result{}, appErrors.ErrShuttingDown
	}

	msg, err := e.normalize(req)
	if err != nil {
		return Result{}, err
	}
	if err := e.checkMember(ctx, msg.ConversationID, msg.SenderID); err != nil {
		return Result{}, err
	}

	if mode == ModeBatched {
		queued, err := e.shardFor(msg.ConversationID).enqueue(ctx, msg.ConversationID, []model.NewMessage{msg})
		if err != nil {
			return Result{}, err
		}
		return Result{Queued: queued}, nil
	}

	persisted, err := e.persist(ctx, msg)
	if err != nil {
		return Result{}, appErrors.ErrPersistence.Wrap(err)
	}
	e.broadcaster.BroadcastToRoom(persisted.ConversationID, protocol.NewMessage(persisted), "")
	e.touchConversation(persisted.ConversationID, persisted.CreatedAt)

	return Result{Message: &persisted}, nil
}

// SubmitBatch queues several messages from one sender for a single
// conversation. Either all of them are accepted or none.
func (e *Engine) SubmitBatch(ctx context.Context, conversationID, senderID string, items []protocol.BatchItem) (Result, error) {
	if e.draining.Load() {
		return Result{}, appErrors.ErrShuttingDown
	}
	if len(items) == 0 {
		return Result{}, appErrors.ErrValidation.WithMessage("messages must not be empty")
	}

	msgs := make([]model.NewMessage, 0, len(items))
	for _, item := range items {
		msg, err := e.normalize(SubmitRequest{
			ConversationID: conversationID,
			SenderID:       senderID,
			Content:        item.Content,
			MessageType:    item.MessageType,
		})
		if err != nil {
			return Result{}, err
		}
		msgs = append(msgs, msg)
	}

	if err := e.checkMember(ctx, conversationID, senderID); err != nil {
		return Result{}, err
	}

	queued, err := e.shardFor(conversationID).enqueue(ctx, conversationID, msgs)
	if err != nil {
		return Result{}, err
	}
	return Result{Queued: queued}, nil
}

// DeleteMessage soft-deletes a message its sender owns and tells the room.
func (e *Engine) DeleteMessage(ctx context.Context, conversationID, messageID, requesterID string) error {
	if conversationID == "" || messageID == "" || requesterID == "" {
		return appErrors.ErrValidation.WithMessage("conversationId and messageId are required")
	}

	storeCtx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	defer cancel()

	deleted, err := e.store.SoftDeleteMessage(storeCtx, conversationID, messageID, requesterID)
	if err != nil {
		return appErrors.ErrPersistence.Wrap(err)
	}
	if !deleted {
		return appErrors.ErrAuth.WithMessage("message not found or not owned by sender")
	}

	e.broadcaster.BroadcastToRoom(conversationID, protocol.MessageDeleted(conversationID, messageID), "")
	return nil
}

// Drain flushes every pending batch now, refuses new submits and waits for
// in-flight flushes or ctx, whichever comes first.
func (e *Engine) Drain(ctx context.Context) error {
	e.draining.Store(true)

	for _, s := range e.shards {
		if err := s.call(ctx, s.drain); err != nil {
			return err
		}
	}

	waited := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		e.logger.Info("Chat engine drained")
		e.closeOnce.Do(func() { close(e.done) })
		return nil
	case <-ctx.Done():
		e.logger.Warn("Chat engine drain interrupted",
			"pending", e.Pending(),
			"error", ctx.Err())
		e.closeOnce.Do(func() { close(e.done) })
		return ctx.Err()
	}
}

// Pending reports how many messages are waiting for a flush.
func (e *Engine) Pending() int {
	total := 0
	for _, s := range e.shards {
		total += int(s.pending.Load())
	}
	return total
}

func (e *Engine) normalize(req SubmitRequest) (model.NewMessage, error) {
	if err := e.validate.Struct(req); err != nil {
		return model.NewMessage{}, appErrors.ErrValidation.WithMessage(validationMessage(err)).Wrap(err)
	}
	if strings.TrimSpace(req.Content) == "" {
		return model.NewMessage{}, appErrors.ErrValidation.WithMessage("content must not be blank")
	}
	if utf8.RuneCountInString(req.Content) > e.config.MaxContentLength {
		return model.NewMessage{}, appErrors.ErrValidation.WithMessage("content is too long")
	}

	messageType := model.MessageType(req.MessageType)
	if messageType == "" {
		messageType = model.MessageTypeText
	}

	return model.NewMessage{
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		MessageType:    messageType,
	}, nil
}

func (e *Engine) checkMember(ctx context.Context, conversationID, userID string) error {
	storeCtx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	defer cancel()

	ok, err := e.store.IsParticipant(storeCtx, conversationID, userID)
	if err != nil {
		return appErrors.ErrPersistence.WithMessage("failed to check membership").Wrap(err)
	}
	if !ok {
		return appErrors.ErrNotMember
	}
	return nil
}

func (e *Engine) persist(ctx context.Context, msg model.NewMessage) (model.Message, error) {
	storeCtx, cancel := context.WithTimeout(ctx, e.config.StoreTimeout)
	defer cancel()
	return e.store.InsertMessage(storeCtx, msg)
}

func (e *Engine) touchConversation(conversationID string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.StoreTimeout)
	defer cancel()

	if err := e.store.UpdateConversationTimestamp(ctx, conversationID, at); err != nil {
		e.logger.Warn("Failed to update conversation timestamp",
			"conversation_id", conversationID,
			"error", err)
	}
}

// flush persists msgs one by one. Failed inserts are logged and left out of
// the broadcast; the rest keep their acceptance order.
func (e *Engine) flush(conversationID string, msgs []model.NewMessage) {
	persisted := make([]model.Message, 0, len(msgs))
	for _, msg := range msgs {
		saved, err := e.persist(context.Background(), msg)
		if err != nil {
			e.logger.Error("Failed to persist batched message",
				"conversation_id", conversationID,
				"sender_id", msg.SenderID,
				"error", err)
			continue
		}
		persisted = append(persisted, saved)
	}

	if len(persisted) == 0 {
		e.logger.Warn("Batch flush persisted nothing",
			"conversation_id", conversationID,
			"dropped", len(msgs))
		return
	}

	e.broadcaster.BroadcastToRoom(conversationID, protocol.NewMessagesBatch(conversationID, persisted), "")
	e.touchConversation(conversationID, persisted[len(persisted)-1].CreatedAt)

	e.logger.Debug("Batch flushed",
		"conversation_id", conversationID,
		"persisted", len(persisted),
		"dropped", len(msgs)-len(persisted))
}

func (e *Engine) shardFor(conversationID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid message"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return "invalid message: " + strings.Join(fields, ", ")
}
