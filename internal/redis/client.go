package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"sudooom.civic.realtime/internal/config"
	"sudooom.civic.realtime/internal/model"
)

// locationTTL outlives a couple of heartbeat rounds; each round refreshes it.
const locationTTL = 2 * time.Minute

// UserLocation says which node and session currently own a user.
type UserLocation struct {
	UserID    string    `json:"userId"`
	NodeID    string    `json:"nodeId"`
	SessionID string    `json:"sessionId"`
	LoginTime time.Time `json:"loginTime"`
}

// DeadLetter is a notification delivery that gave up.
type DeadLetter struct {
	NotificationID string    `json:"notificationId"`
	UserID         string    `json:"userId"`
	Channel        string    `json:"channel"`
	Address        string    `json:"address"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error"`
	FailedAt       time.Time `json:"failedAt"`
}

// Client wraps go-redis with the keys this service owns.
type Client struct {
	client *redis.Client
	nodeID string
	logger *slog.Logger
}

func NewClient(cfg config.RedisConfig, nodeID string, logger *slog.Logger) *Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	return Wrap(client, nodeID, logger)
}

// Wrap builds a Client around an existing go-redis client.
func Wrap(client *redis.Client, nodeID string, logger *slog.Logger) *Client {
	return &Client{
		client: client,
		nodeID: nodeID,
		logger: logger.With("component", "redis"),
	}
}

// Raw exposes the go-redis client for components that run their own scripts.
func (c *Client) Raw() *redis.Client {
	return c.client
}

// RegisterUserLocation records this node as owner of the user's primary session.
func (c *Client) RegisterUserLocation(ctx context.Context, userID, sessionID string) error {
	location := UserLocation{
		UserID:    userID,
		NodeID:    c.nodeID,
		SessionID: sessionID,
		LoginTime: time.Now(),
	}

	data, err := json.Marshal(location)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}

	if err := c.client.Set(ctx, userLocationKey(userID), data, locationTTL).Err(); err != nil {
		return err
	}

	c.logger.Debug("Registered user location",
		"user_id", userID,
		"session_id", sessionID,
		"node_id", c.nodeID)
	return nil
}

// unregisterScript deletes the location only while it still names the
// session, so a late disconnect cannot erase a newer login elsewhere.
var unregisterScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local loc = cjson.decode(raw)
if loc.sessionId == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// UnregisterUserLocation removes the location if sessionID still owns it.
func (c *Client) UnregisterUserLocation(ctx context.Context, userID, sessionID string) (bool, error) {
	n, err := unregisterScript.Run(ctx, c.client, []string{userLocationKey(userID)}, sessionID).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RefreshUserLocation extends the location TTL, called on every heartbeat.
func (c *Client) RefreshUserLocation(ctx context.Context, userID string) error {
	return c.client.Expire(ctx, userLocationKey(userID), locationTTL).Err()
}

// GetUserLocation returns nil when the user is offline everywhere.
func (c *Client) GetUserLocation(ctx context.Context, userID string) (*UserLocation, error) {
	data, err := c.client.Get(ctx, userLocationKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var location UserLocation
	if err := json.Unmarshal(data, &location); err != nil {
		return nil, fmt.Errorf("failed to unmarshal location: %w", err)
	}
	return &location, nil
}

type cachedProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	Email       string `json:"email"`
}

// GetProfile returns a cached profile, nil on a miss.
func (c *Client) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	data, err := c.client.Get(ctx, profileKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var p cachedProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	return &model.User{ID: p.ID, DisplayName: p.DisplayName, AvatarURL: p.AvatarURL, Email: p.Email}, nil
}

// SetProfile caches a profile for ttl.
func (c *Client) SetProfile(ctx context.Context, user model.User, ttl time.Duration) error {
	data, err := json.Marshal(cachedProfile{
		ID:          user.ID,
		DisplayName: user.DisplayName,
		AvatarURL:   user.AvatarURL,
		Email:       user.Email,
	})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, profileKey(user.ID), data, ttl).Err()
}

// ClaimNotification marks a notification as taken by this node. Only the
// first claimant across all nodes gets true.
func (c *Client) ClaimNotification(ctx context.Context, notificationID string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, notificationClaimKey(notificationID), c.nodeID, ttl).Result()
}

var releaseClaimScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// ReleaseNotification gives up this node's claim so another node may take
// the notification. Claims held by other nodes are left alone.
func (c *Client) ReleaseNotification(ctx context.Context, notificationID string) error {
	return releaseClaimScript.Run(ctx, c.client, []string{notificationClaimKey(notificationID)}, c.nodeID).Err()
}

// PushDeadLetter appends an entry and trims the list to maxLen.
func (c *Client) PushDeadLetter(ctx context.Context, entry DeadLetter, maxLen int64) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, DeadLetterKey, data)
	if maxLen > 0 {
		pipe.LTrim(ctx, DeadLetterKey, 0, maxLen-1)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// DeadLetters returns up to n of the most recent dead letters.
func (c *Client) DeadLetters(ctx context.Context, n int64) ([]DeadLetter, error) {
	raw, err := c.client.LRange(ctx, DeadLetterKey, 0, n-1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]DeadLetter, 0, len(raw))
	for _, item := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.client.Close()
}
