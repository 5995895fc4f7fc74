package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/IntakePipe/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisKeyPrefix namespaces every key written by RedisStore.
	DefaultRedisKeyPrefix = "intakepipe:"
	// DefaultInboundTTL bounds how long a delivered message ID is remembered.
	DefaultInboundTTL = 24 * time.Hour
)

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisStore keeps sessions and inbound dedup markers in Redis so several
// IntakePipe instances can share conversation state.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	sessionTTL time.Duration
	inboundTTL time.Duration
}

// Compile-time check that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithSessionTTL expires idle sessions after ttl. Zero keeps them forever.
func WithSessionTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.sessionTTL = ttl }
}

// WithKeyPrefix overrides DefaultRedisKeyPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore wraps an already connected client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		prefix:     DefaultRedisKeyPrefix,
		inboundTTL: DefaultInboundTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) sessionKey(conversationID string) string {
	return s.prefix + "session:" + conversationID
}

func (s *RedisStore) inboundKey(messageID string) string {
	return s.prefix + "inbound:" + messageID
}

func (s *RedisStore) GetSession(ctx context.Context, conversationID string) (*models.Session, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore GetSession failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to load session %s: %w", conversationID, err)
	}
	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", conversationID, err)
	}
	if sess.Profile == nil {
		sess.Profile = models.Profile{}
	}
	if sess.PendingSlot == "" {
		sess.PendingSlot = models.SlotNone
	}
	return &sess, nil
}

// SaveSession performs the version check inside WATCH/MULTI so a concurrent
// writer aborts the transaction instead of overwriting.
func (s *RedisStore) SaveSession(ctx context.Context, sess *models.Session) error {
	key := s.sessionKey(sess.ConversationID)
	now := time.Now()

	next := sess.Clone()
	next.Version = sess.Version + 1
	next.UpdatedAt = now
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.ConversationID, err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		var currentVersion int64
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var stored struct {
				Version int64 `json:"version"`
			}
			if err := json.Unmarshal(raw, &stored); err != nil {
				return fmt.Errorf("failed to decode stored session: %w", err)
			}
			currentVersion = stored.Version
		}
		if currentVersion != sess.Version {
			return ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.sessionTTL)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		err = ErrVersionConflict
	}
	if errors.Is(err, ErrVersionConflict) {
		slog.Debug("RedisStore SaveSession version conflict", "conversationID", sess.ConversationID, "version", sess.Version)
		return ErrVersionConflict
	}
	if err != nil {
		slog.Error("RedisStore SaveSession failed", "error", err, "conversationID", sess.ConversationID)
		return fmt.Errorf("failed to save session %s: %w", sess.ConversationID, err)
	}

	sess.Version = next.Version
	sess.UpdatedAt = next.UpdatedAt
	sess.CreatedAt = next.CreatedAt
	return nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, s.sessionKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", conversationID, err)
	}
	return nil
}

func (s *RedisStore) IsDuplicate(messageID string) (bool, error) {
	n, err := s.client.Exists(context.Background(), s.inboundKey(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) RecordInbound(messageID, conversationID string) (bool, error) {
	ok, err := s.client.SetNX(context.Background(), s.inboundKey(messageID), conversationID, s.inboundTTL).Result()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) MarkProcessed(messageID string) error {
	err := s.client.SetArgs(context.Background(), s.inboundKey(messageID), "processed", redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// forgetInboundScript deletes the marker only while it still holds the
// conversation ID, i.e. before MarkProcessed overwrote it.
var forgetInboundScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == "processed" then
	return 0
end
return redis.call("DEL", KEYS[1])
`)

func (s *RedisStore) ForgetInbound(messageID string) error {
	if err := forgetInboundScript.Run(context.Background(), s.client, []string{s.inboundKey(messageID)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("forget inbound failed: %w", err)
	}
	return nil
}

// Ping checks that Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
