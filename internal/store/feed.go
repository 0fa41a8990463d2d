package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.civic.realtime/internal/model"
)

// Feed turns NOTIFY messages on a channel into notification events. A
// database trigger on the notifications table publishes each inserted row as
// JSON.
type Feed struct {
	db      *pgxpool.Pool
	channel string
	backoff backoff
	after   func(time.Duration) <-chan time.Time
	logger  *slog.Logger
}

func NewFeed(db *pgxpool.Pool, channel string, logger *slog.Logger) *Feed {
	return &Feed{
		db:      db,
		channel: channel,
		backoff: backoff{min: time.Second, max: 30 * time.Second},
		after:   time.After,
		logger:  logger.With("component", "notification_feed", "channel", channel),
	}
}

// backoff doubles the retry delay up to max. reset starts over at min.
type backoff struct {
	min, max time.Duration
	cur      time.Duration
}

func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = b.min
		return b.cur
	}
	b.cur = min(b.cur*2, b.max)
	return b.cur
}

func (b *backoff) reset() {
	b.cur = 0
}

// Run listens until ctx is done, reconnecting with backoff when the
// connection drops. handle is called once per received event, in order.
func (f *Feed) Run(ctx context.Context, handle func(context.Context, model.NotificationEvent)) {
	f.loop(ctx, func(ctx context.Context) (bool, error) {
		return f.listen(ctx, handle)
	})
}

// loop reconnects until ctx is done. A session that got as far as LISTEN
// starts the delay over, so an old outage does not slow later reconnects.
func (f *Feed) loop(ctx context.Context, listen func(context.Context) (bool, error)) {
	for {
		listening, err := listen(ctx)
		if ctx.Err() != nil {
			f.logger.Info("Notification feed stopped")
			return
		}
		if listening {
			f.backoff.reset()
		}

		delay := f.backoff.next()
		f.logger.Error("Notification feed interrupted", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return
		case <-f.after(delay):
		}
	}
}

// listen reports whether LISTEN succeeded before the session ended.
func (f *Feed) listen(ctx context.Context, handle func(context.Context, model.NotificationEvent)) (bool, error) {
	conn, err := f.db.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		return false, err
	}
	f.logger.Info("Listening for notifications")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			// the connection is left in LISTEN state; drop it from the pool
			conn.Conn().Close(context.Background())
			return true, err
		}

		event, err := ParseNotification([]byte(n.Payload))
		if err != nil {
			f.logger.Warn("Discarding malformed notification payload", "error", err)
			continue
		}
		handle(ctx, event)
	}
}

// ParseNotification decodes a NOTIFY payload.
func ParseNotification(payload []byte) (model.NotificationEvent, error) {
	var ev model.NotificationEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ev, err
	}
	if ev.ID == "" || ev.UserID == "" {
		return ev, errMissingField
	}
	return ev, nil
}

var errMissingField = errors.New("notification payload needs id and user_id")
