// Package agent implements the Identity & Karma Store (spec §3, §5): agent
// registration, API key hashing, and the single write path for karma.
package agent

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/alexngai/gitswarm/internal/gserr"
	"github.com/alexngai/gitswarm/internal/model"
	"github.com/alexngai/gitswarm/internal/store"
)

// KeyPrefix is the required prefix for generated API keys (spec §6 CLI
// surface: "returns an API key exactly once with prefix gsw_").
const KeyPrefix = "gsw_"

type Store struct {
	db store.Backend
}

func New(db store.Backend) *Store { return &Store{db: db} }

// Register creates a new agent and returns the one-time plaintext API key.
// Only the hex SHA-256 hash of the key is ever persisted.
func (s *Store) Register(ctx context.Context, name string) (agentID, apiKey string, err error) {
	id := uuid.NewString()
	apiKey, err = generateKey()
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	hash := hashKey(apiKey)

	_, err = s.db.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (id, name, secret_hash, karma, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)", s.db.Table("agents")),
		id, name, hash, 0, string(model.AgentActive), store.NowRFC3339())
	if err != nil {
		if store.IsUniqueViolation(err) {
			return "", "", gserr.New(gserr.Validation, "agent_name_taken", "an agent with that name already exists")
		}
		return "", "", fmt.Errorf("insert agent: %w", err)
	}
	return id, apiKey, nil
}

func generateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves an API key to its owning agent, or NotFound if no
// agent's stored hash matches.
func (s *Store) Authenticate(ctx context.Context, apiKey string) (*model.Agent, error) {
	hash := hashKey(apiKey)
	qr, err := s.db.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE secret_hash = $1", s.db.Table("agents")), hash)
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	if len(qr.Rows) == 0 {
		return nil, gserr.New(gserr.NotFound, "agent_not_found", "no agent matches that API key")
	}
	return rowToAgent(qr.Rows[0]), nil
}

// Get fetches an agent by id.
func (s *Store) Get(ctx context.Context, id string) (*model.Agent, error) {
	qr, err := s.db.Query(ctx, fmt.Sprintf("SELECT * FROM %s WHERE id = $1", s.db.Table("agents")), id)
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	if len(qr.Rows) == 0 {
		return nil, gserr.New(gserr.NotFound, "agent_not_found", id)
	}
	return rowToAgent(qr.Rows[0]), nil
}

// AdjustKarma applies a single-writer delta (spec §5: "never read-modify-write
// in application code"); delta may be negative for penalties.
func (s *Store) AdjustKarma(ctx context.Context, agentID string, delta int) error {
	res, err := s.db.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET karma = karma + $1 WHERE id = $2 AND karma + $1 >= 0", s.db.Table("agents")),
		delta, agentID)
	if err != nil {
		return fmt.Errorf("adjust karma: %w", err)
	}
	if res.Changes == 0 {
		return gserr.New(gserr.Validation, "karma_floor", "karma adjustment would go below zero")
	}
	return nil
}

// SetStatus flips an agent's status; agents are never deleted while
// referenced (spec §3).
func (s *Store) SetStatus(ctx context.Context, agentID string, status model.AgentStatus) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf("UPDATE %s SET status = $1 WHERE id = $2", s.db.Table("agents")), string(status), agentID)
	return err
}

func rowToAgent(r store.Row) *model.Agent {
	return &model.Agent{
		ID:         r.Str("id"),
		Name:       r.Str("name"),
		SecretHash: r.Str("secret_hash"),
		Karma:      r.Int("karma"),
		Status:     model.AgentStatus(r.Str("status")),
		CreatedAt:  r.Time("created_at"),
	}
}
