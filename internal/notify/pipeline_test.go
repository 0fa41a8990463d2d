package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.civic.realtime/internal/model"
	"sudooom.civic.realtime/internal/protocol"
	"sudooom.civic.realtime/internal/redis"
)

type fakeTargets struct {
	mu      sync.Mutex
	targets map[string][]model.DeliveryTarget
	prefs   map[string]model.ChannelPrefs
	touched []string
}

func (f *fakeTargets) ListDeliveryTargets(_ context.Context, userID string) ([]model.DeliveryTarget, error) {
	return f.targets[userID], nil
}

func (f *fakeTargets) GetChannelPrefs(_ context.Context, userID string) (model.ChannelPrefs, error) {
	if p, ok := f.prefs[userID]; ok {
		return p, nil
	}
	return model.DefaultChannelPrefs, nil
}

func (f *fakeTargets) TouchDeviceToken(_ context.Context, token string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, token)
	return nil
}

func (f *fakeTargets) touchedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.touched...)
}

type fakePusher struct {
	mu      sync.Mutex
	expired map[string]bool
	flaky   map[string]bool
	calls   map[string]int
}

func newFakePusher() *fakePusher {
	return &fakePusher{expired: map[string]bool{}, flaky: map[string]bool{}, calls: map[string]int{}}
}

func (f *fakePusher) Send(_ context.Context, msg PushMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[msg.Token]++
	if f.expired[msg.Token] {
		return Permanent(ErrTokenExpired)
	}
	if f.flaky[msg.Token] {
		return errors.New("gateway unavailable")
	}
	return nil
}

func (f *fakePusher) callsFor(token string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[token]
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []EmailMessage
}

func (f *fakeMailer) Send(_ context.Context, msg EmailMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeDeadLetters struct {
	mu      sync.Mutex
	entries []redis.DeadLetter
}

func (f *fakeDeadLetters) PushDeadLetter(_ context.Context, entry redis.DeadLetter, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeDeadLetters) list() []redis.DeadLetter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]redis.DeadLetter(nil), f.entries...)
}

type fakeSender struct {
	mu   sync.Mutex
	sent map[string][]protocol.ServerEvent
	// gate, when set, holds every delivery until it is closed
	gate chan struct{}
}

func (f *fakeSender) SendToUser(userID string, ev protocol.ServerEvent) bool {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[userID] = append(f.sent[userID], ev)
	return true
}

func (f *fakeSender) count(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[userID])
}

type memClaims struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (c *memClaims) ClaimNotification(_ context.Context, id string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[id] {
		return false, nil
	}
	c.seen[id] = true
	return true, nil
}

func (c *memClaims) ReleaseNotification(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, id)
	return nil
}

func (c *memClaims) held(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[id]
}

type harness struct {
	pipeline *Pipeline
	targets  *fakeTargets
	pusher   *fakePusher
	mailer   *fakeMailer
	dead     *fakeDeadLetters
	sender   *fakeSender
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithClaims(t, &memClaims{seen: map[string]bool{}})
}

func newHarnessWithClaims(t *testing.T, claims *memClaims) *harness {
	t.Helper()
	h := &harness{
		targets: &fakeTargets{
			targets: map[string][]model.DeliveryTarget{},
			prefs:   map[string]model.ChannelPrefs{},
		},
		pusher: newFakePusher(),
		mailer: &fakeMailer{},
		dead:   &fakeDeadLetters{},
		sender: &fakeSender{sent: map[string][]protocol.ServerEvent{}},
	}
	h.pipeline = NewPipeline(Deps{
		Store:       h.targets,
		Claims:      claims,
		DeadLetters: h.dead,
		Sender:      h.sender,
		Push:        h.pusher,
		Email:       h.mailer,
	}, Config{
		Workers:       4,
		PublicBaseURL: "https://civic.example.org",
		Retry:         fastPolicy(3),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	h.pipeline.Start(context.Background())
	t.Cleanup(h.pipeline.Stop)
	return h
}

func pushTargets(tokens ...string) []model.DeliveryTarget {
	out := make([]model.DeliveryTarget, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, model.DeliveryTarget{Channel: model.ChannelPush, Address: tok})
	}
	return out
}

func notification(id, userID string) model.NotificationEvent {
	return model.NotificationEvent{ID: id, UserID: userID, Title: "Report updated", Body: "Crew assigned", Link: "/reports/7", CreatedAt: time.Now()}
}

func TestPipeline_OneExpiredTokenDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t)
	h.targets.targets["u1"] = pushTargets("tok-a", "tok-b", "tok-c")
	h.pusher.expired["tok-b"] = true

	h.pipeline.Handle(context.Background(), notification("n1", "u1"))

	require.Eventually(t, func() bool { return len(h.dead.list()) == 1 && len(h.targets.touchedTokens()) == 2 },
		time.Second, 5*time.Millisecond)

	assert.ElementsMatch(t, []string{"tok-a", "tok-c"}, h.targets.touchedTokens())
	entry := h.dead.list()[0]
	assert.Equal(t, "tok-b", entry.Address)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, 1, h.pusher.callsFor("tok-b"))
	assert.Equal(t, 1, h.sender.count("u1"))
	assert.Zero(t, h.mailer.count())
}

func TestPipeline_TransientFailureRetriedThenDeadLettered(t *testing.T) {
	h := newHarness(t)
	h.targets.targets["u1"] = pushTargets("tok-flaky")
	h.pusher.flaky["tok-flaky"] = true

	h.pipeline.Handle(context.Background(), notification("n1", "u1"))

	require.Eventually(t, func() bool { return len(h.dead.list()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, h.pusher.callsFor("tok-flaky"))
	assert.Equal(t, 3, h.dead.list()[0].Attempts)
	assert.Equal(t, "push", h.dead.list()[0].Channel)
}

func TestPipeline_EmailRespectsPreferences(t *testing.T) {
	h := newHarness(t)
	email := model.DeliveryTarget{Channel: model.ChannelEmail, Address: "ana@example.org"}
	h.targets.targets["opted-out"] = []model.DeliveryTarget{email}
	h.targets.targets["opted-in"] = []model.DeliveryTarget{email}
	h.targets.prefs["opted-in"] = model.ChannelPrefs{Push: false, Email: true}

	h.pipeline.Handle(context.Background(), notification("n1", "opted-out"))
	h.pipeline.Handle(context.Background(), notification("n2", "opted-in"))

	require.Eventually(t, func() bool { return h.mailer.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.sender.count("opted-out") == 1 }, time.Second, 5*time.Millisecond)

	h.mailer.mu.Lock()
	defer h.mailer.mu.Unlock()
	assert.Equal(t, "ana@example.org", h.mailer.sent[0].To)
	assert.Equal(t, "Report updated", h.mailer.sent[0].Subject)
	assert.Contains(t, h.mailer.sent[0].Text, "https://civic.example.org/reports/7")
}

func TestPipeline_DuplicateNotificationHandledOnce(t *testing.T) {
	h := newHarness(t)
	h.targets.targets["u1"] = pushTargets("tok-a")

	h.pipeline.Handle(context.Background(), notification("n1", "u1"))
	h.pipeline.Handle(context.Background(), notification("n1", "u1"))

	require.Eventually(t, func() bool { return h.pusher.callsFor("tok-a") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.pusher.callsFor("tok-a"))
	assert.Equal(t, 1, h.sender.count("u1"))
}

func TestPipeline_InAppEvent(t *testing.T) {
	h := newHarness(t)

	h.pipeline.Handle(context.Background(), notification("n9", "u2"))

	require.Eventually(t, func() bool { return h.sender.count("u2") == 1 }, time.Second, 5*time.Millisecond)
	h.sender.mu.Lock()
	defer h.sender.mu.Unlock()
	ev := h.sender.sent["u2"][0]
	assert.Equal(t, protocol.EventNotification, ev.Event)
	assert.Equal(t, "n9", ev.Data.(protocol.NotificationData).ID)
}

func TestPipeline_EnqueueAfterStop(t *testing.T) {
	h := newHarness(t)
	h.pipeline.Stop()

	err := h.pipeline.Enqueue(context.Background(), notification("n1", "u1"))
	assert.ErrorIs(t, err, ErrPipelineStopped)
}

func TestPipeline_SameUserSameWorker(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, h.pipeline.workerFor("user-1"), h.pipeline.workerFor("user-1"))
}

func TestPipeline_StoppedNodeLeavesEventToOthers(t *testing.T) {
	claims := &memClaims{seen: map[string]bool{}}
	a := newHarnessWithClaims(t, claims)
	b := newHarnessWithClaims(t, claims)
	a.pipeline.Stop()

	ev := notification("n1", "u1")
	a.pipeline.Handle(context.Background(), ev)
	assert.False(t, claims.held("n1"))

	b.pipeline.Handle(context.Background(), ev)

	require.Eventually(t, func() bool { return b.sender.count("u1") == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, a.sender.count("u1"))
}

func TestPipeline_StopDeliversQueuedEvents(t *testing.T) {
	h := newHarness(t)
	h.sender.gate = make(chan struct{})

	for _, id := range []string{"n1", "n2", "n3"} {
		h.pipeline.Handle(context.Background(), notification(id, "u1"))
	}

	stopped := make(chan struct{})
	go func() {
		h.pipeline.Stop()
		close(stopped)
	}()

	// Stop waits for the queued events of u1 to be delivered
	time.Sleep(20 * time.Millisecond)
	select {
	case <-stopped:
		t.Fatal("Stop returned with events still queued")
	default:
	}

	close(h.sender.gate)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, 3, h.sender.count("u1"))
}
