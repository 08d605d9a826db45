// Package session holds short-lived conversation scratch state keyed by a
// canonical session identity. The scratch exists to build the next prompt
// and to seed webhooks; the tenant backend owns the durable history.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/saleschat/aiservice/ai/cache"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message in the scratch history.
type Turn struct {
	Role      string
	Content   string
	MessageID string
	At        time.Time
}

// Key identifies one conversation scratch. After Canonicalize all four
// components are populated.
type Key struct {
	CompanyID string
	UserID    string
	DeviceID  string
	SessionID string
}

func (k Key) String() string {
	return strings.Join([]string{k.CompanyID, k.UserID, k.DeviceID, k.SessionID}, "|")
}

// RequestAttrs are the stable request attributes used to derive a device
// fingerprint when the caller sends no device_id.
type RequestAttrs struct {
	UserAgent      string
	AcceptLanguage string
	Platform       string
}

// Canonicalize fills missing key components with deterministic fallbacks.
// The device fallback resolves first because the user and session
// fallbacks are derived from it.
func Canonicalize(companyID, userID, deviceID, sessionID string, attrs RequestAttrs) Key {
	if deviceID == "" {
		deviceID = fingerprint(attrs)
	}
	if userID == "" {
		userID = "anon_" + head(deviceID, 8)
	}
	if sessionID == "" {
		sessionID = fmt.Sprintf("chat_session_%s_%s", companyID, deviceID)
	}
	return Key{
		CompanyID: companyID,
		UserID:    userID,
		DeviceID:  deviceID,
		SessionID: sessionID,
	}
}

func fingerprint(attrs RequestAttrs) string {
	sum := sha256.Sum256([]byte(attrs.UserAgent + "\n" + attrs.AcceptLanguage + "\n" + attrs.Platform))
	return hex.EncodeToString(sum[:8])
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Conversation is the per-session scratch. Mutation happens under the
// conversation's own lock; callers snapshot the history before any model
// call so the lock is never held across one.
type Conversation struct {
	key      Key
	maxTurns int

	mu        sync.Mutex
	turns     []Turn
	createdAt time.Time
	updatedAt time.Time
}

func (c *Conversation) Key() Key { return c.key }

func (c *Conversation) CreatedAt() time.Time { return c.createdAt }

// Append records a turn, trimming the history to the newest maxTurns.
func (c *Conversation) Append(turn Turn) {
	if turn.At.IsZero() {
		turn.At = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.turns = append(c.turns, turn)
	if n := len(c.turns) - c.maxTurns; n > 0 {
		c.turns = append(c.turns[:0], c.turns[n:]...)
	}
	c.updatedAt = turn.At
}

// Snapshot copies the full history.
func (c *Conversation) Snapshot() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Last copies the newest n turns.
func (c *Conversation) Last(n int) []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n > len(c.turns) {
		n = len(c.turns)
	}
	out := make([]Turn, n)
	copy(out, c.turns[len(c.turns)-n:])
	return out
}

func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

const (
	defaultCapacity = 10000
	defaultMaxTurns = 20
	defaultTTL      = 2 * time.Hour
)

// Store holds conversation scratches with LRU eviction and a sliding idle
// TTL.
type Store struct {
	mu       sync.Mutex
	cache    *cache.LRU[string, *Conversation]
	maxTurns int
	ttl      time.Duration
}

func NewStore(capacity, maxTurns int, ttl time.Duration) *Store {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{
		cache:    cache.NewLRU[string, *Conversation](capacity, ttl),
		maxTurns: maxTurns,
		ttl:      ttl,
	}
}

// Get returns the conversation for key, creating it on first touch and
// refreshing the idle TTL on every hit. created reports whether this call
// started the conversation, which is what triggers conversation.created
// upstream.
func (s *Store) Get(key Key) (conv *Conversation, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.String()
	if conv, ok := s.cache.Get(k); ok {
		s.cache.Set(k, conv, s.ttl)
		return conv, false
	}

	conv = &Conversation{
		key:       key,
		maxTurns:  s.maxTurns,
		createdAt: time.Now().UTC(),
	}
	s.cache.Set(k, conv, s.ttl)
	return conv, true
}

// Size returns the number of live conversations, expired ones included
// until swept.
func (s *Store) Size() int {
	return s.cache.Size()
}

// CleanupExpired sweeps idle conversations past their TTL.
func (s *Store) CleanupExpired() int {
	return s.cache.CleanupExpired()
}
