package notify

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"sudooom.civic.realtime/internal/model"
	"sudooom.civic.realtime/internal/protocol"
	"sudooom.civic.realtime/internal/redis"
)

var ErrPipelineStopped = errors.New("notification pipeline stopped")

// TargetStore is the read side of a user's delivery settings.
type TargetStore interface {
	ListDeliveryTargets(ctx context.Context, userID string) ([]model.DeliveryTarget, error)
	GetChannelPrefs(ctx context.Context, userID string) (model.ChannelPrefs, error)
	TouchDeviceToken(ctx context.Context, token string, at time.Time) error
}

// Claimer makes sure only one node handles a given notification. A claim
// whose event could not be queued is released again.
type Claimer interface {
	ClaimNotification(ctx context.Context, notificationID string, ttl time.Duration) (bool, error)
	ReleaseNotification(ctx context.Context, notificationID string) error
}

type DeadLetterSink interface {
	PushDeadLetter(ctx context.Context, entry redis.DeadLetter, maxLen int64) error
}

// Sender reaches the user's primary session, wherever it lives.
type Sender interface {
	SendToUser(userID string, ev protocol.ServerEvent) bool
}

type Pusher interface {
	Send(ctx context.Context, msg PushMessage) error
}

type Mailer interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// Deps are the collaborators of the pipeline. Push and Email may be nil when
// the corresponding gateway is not configured; Claims and DeadLetters may be
// nil in single-node setups.
type Deps struct {
	Store       TargetStore
	Claims      Claimer
	DeadLetters DeadLetterSink
	Sender      Sender
	Push        Pusher
	Email       Mailer
}

type Config struct {
	Workers       int
	QueueSize     int
	DedupTTL      time.Duration
	DeadLetterMax int64
	PublicBaseURL string
	Retry         RetryPolicy
}

// Pipeline fans a notification out to in-app, push and email. Events of one
// user always land on the same worker, so they are handled in order.
type Pipeline struct {
	deps   Deps
	config Config
	queues []chan model.NotificationEvent
	stopCh chan struct{}
	quit   chan struct{}
	mu     sync.RWMutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	logger *slog.Logger
}

func NewPipeline(deps Deps, config Config, logger *slog.Logger) *Pipeline {
	if config.Workers <= 0 {
		config.Workers = 8
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.DedupTTL <= 0 {
		config.DedupTTL = 24 * time.Hour
	}
	if config.DeadLetterMax <= 0 {
		config.DeadLetterMax = 10000
	}
	config.Retry = config.Retry.withDefaults()

	p := &Pipeline{
		deps:   deps,
		config: config,
		queues: make([]chan model.NotificationEvent, config.Workers),
		stopCh: make(chan struct{}),
		quit:   make(chan struct{}),
		logger: logger.With("component", "notify"),
	}
	for i := range p.queues {
		p.queues[i] = make(chan model.NotificationEvent, config.QueueSize)
	}
	return p
}

// Start launches the workers. They run until Stop or ctx ends.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i, q := range p.queues {
		p.wg.Add(1)
		go p.worker(ctx, i, q)
	}
	p.logger.Info("Notification pipeline started",
		"workers", len(p.queues),
		"queue_size", p.config.QueueSize)
}

// Stop refuses new events, lets the workers finish what is already queued
// and waits for them.
func (p *Pipeline) Stop() {
	p.once.Do(func() {
		close(p.stopCh)
		// no Enqueue is between its stop check and its send after this
		p.mu.Lock()
		p.mu.Unlock()
		close(p.quit)
	})
	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
	p.logger.Info("Notification pipeline stopped")
}

// Handle is the change-feed callback: claim the event, then queue it.
func (p *Pipeline) Handle(ctx context.Context, ev model.NotificationEvent) {
	if p.deps.Claims != nil {
		claimed, err := p.deps.Claims.ClaimNotification(ctx, ev.ID, p.config.DedupTTL)
		if err != nil {
			p.logger.Warn("Notification claim failed, handling locally",
				"notification_id", ev.ID,
				"error", err)
		} else if !claimed {
			p.logger.Debug("Notification claimed by another node", "notification_id", ev.ID)
			return
		}
	}

	if err := p.Enqueue(ctx, ev); err != nil {
		p.logger.Warn("Notification not queued, releasing claim",
			"notification_id", ev.ID,
			"user_id", ev.UserID,
			"error", err)
		p.release(ctx, ev)
	}
}

func (p *Pipeline) release(ctx context.Context, ev model.NotificationEvent) {
	if p.deps.Claims == nil {
		return
	}
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := p.deps.Claims.ReleaseNotification(relCtx, ev.ID); err != nil {
		p.logger.Error("Failed to release notification claim",
			"notification_id", ev.ID,
			"error", err)
	}
}

// Enqueue hands ev to its user's worker, blocking while that queue is full.
func (p *Pipeline) Enqueue(ctx context.Context, ev model.NotificationEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	select {
	case <-p.stopCh:
		return ErrPipelineStopped
	default:
	}

	select {
	case p.queues[p.workerFor(ev.UserID)] <- ev:
		return nil
	case <-p.stopCh:
		return ErrPipelineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) workerFor(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Pipeline) worker(ctx context.Context, id int, queue <-chan model.NotificationEvent) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			// deliveries cannot run any more; hand the events back
			for {
				select {
				case ev := <-queue:
					p.release(ctx, ev)
				default:
					return
				}
			}
		case <-p.quit:
			for {
				select {
				case ev := <-queue:
					p.process(ctx, ev)
				default:
					p.logger.Debug("Notification worker drained", "worker_id", id)
					return
				}
			}
		case ev := <-queue:
			p.process(ctx, ev)
		}
	}
}

// process delivers one event on every enabled channel. Channels and targets
// fail independently.
func (p *Pipeline) process(ctx context.Context, ev model.NotificationEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Notification processing panicked",
				"notification_id", ev.ID,
				"panic", r)
		}
	}()

	inApp := p.deps.Sender != nil && p.deps.Sender.SendToUser(ev.UserID, protocol.Notification(ev))

	prefs, err := p.deps.Store.GetChannelPrefs(ctx, ev.UserID)
	if err != nil {
		p.logger.Warn("Failed to load channel preferences, using defaults",
			"user_id", ev.UserID,
			"error", err)
		prefs = model.DefaultChannelPrefs
	}

	targets, err := p.deps.Store.ListDeliveryTargets(ctx, ev.UserID)
	if err != nil {
		p.logger.Error("Failed to load delivery targets",
			"notification_id", ev.ID,
			"user_id", ev.UserID,
			"error", err)
		return
	}

	var wg sync.WaitGroup
	if prefs.Push && p.deps.Push != nil {
		tokens := lo.Filter(targets, func(t model.DeliveryTarget, _ int) bool { return t.Channel == model.ChannelPush })
		for _, target := range tokens {
			wg.Add(1)
			go func(target model.DeliveryTarget) {
				defer wg.Done()
				p.deliverPush(ctx, ev, target)
			}(target)
		}
	}

	if prefs.Email && p.deps.Email != nil {
		if target, ok := lo.Find(targets, func(t model.DeliveryTarget) bool { return t.Channel == model.ChannelEmail }); ok {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.deliverEmail(ctx, ev, target)
			}()
		}
	}
	wg.Wait()

	p.logger.Debug("Notification processed",
		"notification_id", ev.ID,
		"user_id", ev.UserID,
		"in_app", inApp,
		"targets", len(targets))
}

func (p *Pipeline) deliverPush(ctx context.Context, ev model.NotificationEvent, target model.DeliveryTarget) {
	msg := PushMessage{Token: target.Address, Title: ev.Title, Body: ev.Body, Link: ev.Link}
	attempts, err := p.config.Retry.Do(ctx, func(ctx context.Context) error {
		return p.deps.Push.Send(ctx, msg)
	})
	if err != nil {
		p.fail(ctx, ev, target, attempts, err)
		return
	}

	if err := p.deps.Store.TouchDeviceToken(ctx, target.Address, time.Now()); err != nil {
		p.logger.Warn("Failed to touch device token", "user_id", ev.UserID, "error", err)
	}
}

func (p *Pipeline) deliverEmail(ctx context.Context, ev model.NotificationEvent, target model.DeliveryTarget) {
	msg := composeEmail(ev, target.Address, p.config.PublicBaseURL)
	attempts, err := p.config.Retry.Do(ctx, func(ctx context.Context) error {
		return p.deps.Email.Send(ctx, msg)
	})
	if err != nil {
		p.fail(ctx, ev, target, attempts, err)
	}
}

func (p *Pipeline) fail(ctx context.Context, ev model.NotificationEvent, target model.DeliveryTarget, attempts int, err error) {
	p.logger.Warn("Notification delivery failed",
		"notification_id", ev.ID,
		"user_id", ev.UserID,
		"channel", target.Channel,
		"attempts", attempts,
		"permanent", IsPermanent(err),
		"error", err)

	if p.deps.DeadLetters == nil {
		return
	}

	entry := redis.DeadLetter{
		NotificationID: ev.ID,
		UserID:         ev.UserID,
		Channel:        string(target.Channel),
		Address:        target.Address,
		Attempts:       attempts,
		Error:          err.Error(),
		FailedAt:       time.Now(),
	}
	// The worker context may already be cancelled on shutdown.
	dlCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := p.deps.DeadLetters.PushDeadLetter(dlCtx, entry, p.config.DeadLetterMax); err != nil {
		p.logger.Error("Failed to record dead letter",
			"notification_id", ev.ID,
			"error", err)
	}
}
