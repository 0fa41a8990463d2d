package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"sudooom.civic.realtime/internal/protocol"
)

// LocalHub is the node-local delivery the bridge forwards to.
type LocalHub interface {
	BroadcastToRoom(roomID string, ev protocol.ServerEvent, exceptUserID string) int
	SendToUser(userID string, ev protocol.ServerEvent) bool
	ReleasePrimary(userID string, remoteBoundAt time.Time, remoteWinsTie bool) bool
}

// Publisher is the outbound half of the bus.
type Publisher interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (*nats.Subscription, error)
}

type kind string

const (
	kindRoom    kind = "room"
	kindUser    kind = "user"
	kindPrimary kind = "primary"
)

// envelope is what travels between nodes.
type envelope struct {
	Origin string          `json:"origin"`
	Kind   kind            `json:"kind"`
	Target string          `json:"target"`
	Except string          `json:"except,omitempty"`
	At     int64           `json:"at,omitempty"`
	Event  json.RawMessage `json:"event,omitempty"`
}

// BridgeConfig sizes the inbound buffer.
type BridgeConfig struct {
	WorkerCount int
	BufferSize  int
}

// Bridge delivers locally and mirrors the same delivery to every other node,
// so room members and primary sessions on other instances are reached too.
// Messages that carry this node's id are ignored on receipt.
type Bridge struct {
	nodeID   string
	local    LocalHub
	bus      Publisher
	subjects Subjects
	config   BridgeConfig
	logger   *slog.Logger

	msgChan chan []byte
	subs    []*nats.Subscription
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

func NewBridge(nodeID string, local LocalHub, bus Publisher, subjects Subjects, config BridgeConfig, logger *slog.Logger) *Bridge {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 4
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 4096
	}
	return &Bridge{
		nodeID:   nodeID,
		local:    local,
		bus:      bus,
		subjects: subjects,
		config:   config,
		logger:   logger.With("component", "bridge"),
	}
}

// Start subscribes to the room, user and primary subjects.
func (b *Bridge) Start(ctx context.Context) error {
	b.msgChan = make(chan []byte, b.config.BufferSize)

	workerCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	for i := 0; i < b.config.WorkerCount; i++ {
		b.wg.Add(1)
		go b.worker(workerCtx)
	}

	enqueue := func(data []byte) {
		select {
		case b.msgChan <- data:
		default:
			b.logger.Warn("Bridge buffer full, dropping message", "buffer_size", b.config.BufferSize)
		}
	}

	for _, subject := range []string{b.subjects.Room, b.subjects.User, b.subjects.Primary} {
		sub, err := b.bus.Subscribe(subject, enqueue)
		if err != nil {
			b.Stop()
			return err
		}
		b.subs = append(b.subs, sub)
	}

	b.logger.Info("Bridge started",
		"node_id", b.nodeID,
		"worker_count", b.config.WorkerCount,
		"buffer_size", b.config.BufferSize)
	return nil
}

func (b *Bridge) worker(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-b.msgChan:
			b.handle(data)
		}
	}
}

func (b *Bridge) handle(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Error("Failed to unmarshal bridge message", "error", err)
		return
	}
	if env.Origin == b.nodeID {
		return
	}

	switch env.Kind {
	case kindRoom:
		b.local.BroadcastToRoom(env.Target, reopen(env.Event), env.Except)
	case kindUser:
		b.local.SendToUser(env.Target, reopen(env.Event))
	case kindPrimary:
		// Bind times come from each node's clock; ties go to the higher node id.
		if b.local.ReleasePrimary(env.Target, time.Unix(0, env.At), env.Origin > b.nodeID) {
			b.logger.Debug("Primary session moved to another node", "user_id", env.Target, "node_id", env.Origin)
		}
	default:
		b.logger.Warn("Unknown bridge message kind", "kind", env.Kind)
	}
}

// BroadcastToRoom delivers to local members and forwards to other nodes.
// The returned count covers local sessions only.
func (b *Bridge) BroadcastToRoom(roomID string, ev protocol.ServerEvent, exceptUserID string) int {
	n := b.local.BroadcastToRoom(roomID, ev, exceptUserID)
	b.publish(b.subjects.Room, kindRoom, roomID, exceptUserID, ev)
	return n
}

// SendToUser delivers to the local primary session when there is one,
// otherwise asks the other nodes to.
func (b *Bridge) SendToUser(userID string, ev protocol.ServerEvent) bool {
	if b.local.SendToUser(userID, ev) {
		return true
	}
	return b.publish(b.subjects.User, kindUser, userID, "", ev)
}

// AnnouncePrimary tells the other nodes that userID bound a primary session
// here at boundAt, so they stop addressing older sessions directly.
func (b *Bridge) AnnouncePrimary(userID string, boundAt time.Time) {
	b.send(b.subjects.Primary, envelope{Kind: kindPrimary, Target: userID, At: boundAt.UnixNano()}, protocol.ServerEvent{})
}

func (b *Bridge) publish(subject string, k kind, target, except string, ev protocol.ServerEvent) bool {
	return b.send(subject, envelope{Kind: k, Target: target, Except: except}, ev)
}

func (b *Bridge) send(subject string, env envelope, ev protocol.ServerEvent) bool {
	env.Origin = b.nodeID
	if ev.Event != "" {
		raw, err := protocol.Encode(ev)
		if err != nil {
			b.logger.Error("Failed to encode bridged event", "event", ev.Event, "error", err)
			return false
		}
		env.Event = raw
	}

	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("Failed to marshal bridge message", "error", err)
		return false
	}
	if err := b.bus.Publish(subject, data); err != nil {
		b.logger.Error("Failed to publish bridge message", "subject", subject, "error", err)
		return false
	}
	return true
}

// Stop unsubscribes and waits for the workers.
func (b *Bridge) Stop() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug("Unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
	b.subs = nil
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.logger.Info("Bridge stopped")
}

// reopen turns an encoded server event back into one the local hub can
// send. The payload stays raw and is re-emitted byte for byte.
func reopen(raw json.RawMessage) protocol.ServerEvent {
	var ev struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
		Ref   string          `json:"ref"`
	}
	_ = json.Unmarshal(raw, &ev)

	out := protocol.ServerEvent{Event: ev.Event, Ref: ev.Ref}
	if len(ev.Data) > 0 {
		out.Data = ev.Data
	}
	return out
}
