package agenttoken

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/goblinsan/visual-flow-backend/internal/auth"
)

// Link codes are typed by humans, so the alphabet drops the characters that
// are easy to confuse (I, O, 0, 1). 32 symbols, 8 characters.
const (
	linkCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	linkCodeLength   = 8
	linkCodeTTL      = 10 * time.Minute

	maxCollisionRetries = 5
)

var (
	// ErrLinkCodeInvalid covers unknown, expired, and already-consumed
	// codes alike; the caller learns nothing beyond "this code does not
	// work".
	ErrLinkCodeInvalid = errors.New("agenttoken: link code invalid")

	errCodeSpaceExhausted = errors.New("agenttoken: could not generate a unique link code")
)

// CreateLinkCode mints a single-use code exchangeable for an agent token
// with the given binding. The plaintext code is returned exactly once.
func (s *Store) CreateLinkCode(ctx context.Context, canvasID, agentID string, scope auth.Scope) (string, LinkCode, error) {
	if canvasID == "" {
		return "", LinkCode{}, errMissingCanvas
	}
	if agentID == "" {
		return "", LinkCode{}, errMissingAgent
	}
	if _, err := auth.ParseScope(string(scope)); err != nil {
		return "", LinkCode{}, err
	}

	now := s.now().UTC()
	for attempt := 0; attempt < maxCollisionRetries; attempt++ {
		code, err := newLinkCode()
		if err != nil {
			return "", LinkCode{}, err
		}
		hash := hashSecret(code)

		// Only unexpired codes can collide with a live exchange; expired
		// rows with the same hash are harmless leftovers.
		var count int64
		if err := s.db.WithContext(ctx).Model(&LinkCode{}).
			Where("code_hash = ? AND expires_at > ?", hash, now).
			Count(&count).Error; err != nil {
			return "", LinkCode{}, err
		}
		if count > 0 {
			continue
		}

		record := LinkCode{
			ID:        uuid.NewString(),
			CanvasID:  canvasID,
			AgentID:   agentID,
			Scope:     scope,
			CodeHash:  hash,
			ExpiresAt: now.Add(linkCodeTTL),
			CreatedAt: now,
		}
		if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
			return "", LinkCode{}, err
		}

		s.logger.Info("link code created",
			zap.String("canvas_id", canvasID),
			zap.String("agent_id", agentID),
			zap.String("scope", string(scope)))

		return code, record, nil
	}

	return "", LinkCode{}, errCodeSpaceExhausted
}

// ExchangeLinkCode redeems a code for a full agent token. Consumption and
// token issuance commit in one transaction: either the code is marked
// consumed and a token exists, or neither happened.
func (s *Store) ExchangeLinkCode(ctx context.Context, code string) (string, AgentToken, error) {
	now := s.now().UTC()

	var secret string
	var token AgentToken
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record LinkCode
		err := tx.
			Where("code_hash = ? AND expires_at > ? AND consumed_at IS NULL", hashSecret(code), now).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrLinkCodeInvalid
		}
		if err != nil {
			return err
		}

		// The conditional update is the single-use guard: a concurrent
		// exchange that lost the race sees zero affected rows.
		result := tx.Model(&LinkCode{}).
			Where("id = ? AND consumed_at IS NULL", record.ID).
			Update("consumed_at", now)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrLinkCodeInvalid
		}

		secret, token, err = s.issue(ctx, tx, record.CanvasID, record.AgentID, record.Scope)
		return err
	})
	if err != nil {
		return "", AgentToken{}, err
	}

	return secret, token, nil
}

func newLinkCode() (string, error) {
	raw := make([]byte, linkCodeLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("agenttoken: link code generation failed: %w", err)
	}
	code := make([]byte, linkCodeLength)
	for i, b := range raw {
		code[i] = linkCodeAlphabet[int(b)%len(linkCodeAlphabet)]
	}
	return string(code), nil
}
