package agenttoken

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/goblinsan/visual-flow-backend/internal/auth"
)

const (
	defaultTokenTTL = 30 * 24 * time.Hour
	secretByteLen   = 32
)

var (
	// ErrTokenNotFound covers both unknown and expired tokens so that a
	// probing caller cannot distinguish the two.
	ErrTokenNotFound = errors.New("agenttoken: token not found")

	errMissingDatabase = errors.New("agenttoken: database connection required")
	errMissingCanvas   = errors.New("agenttoken: canvas id required")
	errMissingAgent    = errors.New("agenttoken: agent id required")
)

// StoreConfig describes the dependencies of the token store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	TokenTTL time.Duration
}

// Store generates, hashes, and looks up opaque agent tokens and one-time
// link codes. Plaintext secrets are returned to the caller exactly once.
type Store struct {
	db       *gorm.DB
	now      func() time.Time
	logger   *zap.Logger
	tokenTTL time.Duration
}

// NewStore constructs the token store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Store{db: cfg.Database, now: clock, logger: logger, tokenTTL: ttl}, nil
}

// Issue mints a new agent token bound to one canvas and one agent identity.
// The returned plaintext secret is never persisted.
func (s *Store) Issue(ctx context.Context, canvasID, agentID string, scope auth.Scope) (string, AgentToken, error) {
	return s.issue(ctx, s.db, canvasID, agentID, scope)
}

func (s *Store) issue(ctx context.Context, db *gorm.DB, canvasID, agentID string, scope auth.Scope) (string, AgentToken, error) {
	if strings.TrimSpace(canvasID) == "" {
		return "", AgentToken{}, errMissingCanvas
	}
	if strings.TrimSpace(agentID) == "" {
		return "", AgentToken{}, errMissingAgent
	}
	if _, err := auth.ParseScope(string(scope)); err != nil {
		return "", AgentToken{}, err
	}

	secret, err := newSecret()
	if err != nil {
		return "", AgentToken{}, err
	}

	now := s.now().UTC()
	record := AgentToken{
		ID:        uuid.NewString(),
		CanvasID:  canvasID,
		AgentID:   agentID,
		TokenHash: hashSecret(secret),
		Scope:     scope,
		ExpiresAt: now.Add(s.tokenTTL),
		CreatedAt: now,
	}
	if err := db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", AgentToken{}, err
	}

	s.logger.Info("agent token issued",
		zap.String("canvas_id", canvasID),
		zap.String("agent_id", agentID),
		zap.String("scope", string(scope)))

	return secret, record, nil
}

// Resolve hashes the presented token and looks it up by hash equality. A
// miss and an expired row are reported identically.
func (s *Store) Resolve(ctx context.Context, presented string) (auth.ResolvedAgentToken, error) {
	if !strings.HasPrefix(presented, auth.AgentTokenPrefix) {
		return auth.ResolvedAgentToken{}, ErrTokenNotFound
	}

	var record AgentToken
	err := s.db.WithContext(ctx).
		Where("token_hash = ? AND expires_at > ?", hashSecret(presented), s.now().UTC()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return auth.ResolvedAgentToken{}, ErrTokenNotFound
	}
	if err != nil {
		return auth.ResolvedAgentToken{}, err
	}

	return auth.ResolvedAgentToken{
		ID:       record.ID,
		CanvasID: record.CanvasID,
		AgentID:  record.AgentID,
		Scope:    record.Scope,
	}, nil
}

// List returns the unexpired tokens bound to a canvas.
func (s *Store) List(ctx context.Context, canvasID string) ([]AgentToken, error) {
	var records []AgentToken
	err := s.db.WithContext(ctx).
		Where("canvas_id = ? AND expires_at > ?", canvasID, s.now().UTC()).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}

// Revoke deletes every token bound to the canvas/agent pair.
func (s *Store) Revoke(ctx context.Context, canvasID, agentID string) error {
	result := s.db.WithContext(ctx).
		Where("canvas_id = ? AND agent_id = ?", canvasID, agentID).
		Delete(&AgentToken{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrTokenNotFound
	}
	s.logger.Info("agent tokens revoked",
		zap.String("canvas_id", canvasID),
		zap.String("agent_id", agentID),
		zap.Int64("count", result.RowsAffected))
	return nil
}

func newSecret() (string, error) {
	raw := make([]byte, secretByteLen)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("agenttoken: secret generation failed: %w", err)
	}
	return auth.AgentTokenPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

func hashSecret(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
