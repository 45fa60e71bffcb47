package token

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RotationResult is the outcome of a successful rotation-on-use.
type RotationResult struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	Username     string
	SessionID    string
	RefreshID    string
}

// IssueRefresh creates a signed refresh token, persists its metadata, and
// links it into the session's rotation chain.
func (m *Manager) IssueRefresh(ctx context.Context, userID, username, sessionID, ip, userAgent string) (string, *Metadata, error) {
	refreshID := uuid.NewString()

	tok, err := m.sign(Claims{
		UserID:    userID,
		SessionID: sessionID,
		TokenType: TypeRefresh,
		RefreshID: refreshID,
	}, username, m.config.RefreshTTL)
	if err != nil {
		return "", nil, err
	}

	meta := &Metadata{
		RefreshID: refreshID,
		UserID:    userID,
		SessionID: sessionID,
		CreatedAt: time.Now(),
		IP:        ip,
		UserAgent: userAgent,
	}
	if err := m.store.Save(ctx, meta, m.config.RefreshTTL); err != nil {
		return "", nil, err
	}
	return tok, meta, nil
}

// Rotate exchanges a presented refresh token for a fresh access/refresh pair.
// The presented token is revoked and its successor written in one atomic
// step, so under concurrent presentation exactly one caller wins. The loser
// observes an already-revoked token: ErrRefreshReuse when revocation came
// from a prior rotation, which callers must treat as a compromise signal and
// escalate to chain revocation.
func (m *Manager) Rotate(ctx context.Context, refreshToken, ip, userAgent string) (*RotationResult, error) {
	claims, err := m.Validate(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TypeRefresh || claims.RefreshID == "" {
		return nil, fmt.Errorf("%w: got %q", ErrWrongTokenType, claims.TokenType)
	}

	successor := &Metadata{
		RefreshID: uuid.NewString(),
		UserID:    claims.UserID,
		SessionID: claims.SessionID,
		CreatedAt: time.Now(),
		IP:        ip,
		UserAgent: userAgent,
	}
	old := &Metadata{RefreshID: claims.RefreshID, SessionID: claims.SessionID}
	if err := m.store.Rotate(ctx, old, successor, m.config.RefreshTTL); err != nil {
		return nil, err
	}

	newRefresh, err := m.sign(Claims{
		UserID:    claims.UserID,
		SessionID: claims.SessionID,
		TokenType: TypeRefresh,
		RefreshID: successor.RefreshID,
	}, claims.Subject, m.config.RefreshTTL)
	if err != nil {
		return nil, err
	}

	newAccess, err := m.IssueAccess(claims.UserID, claims.Subject, claims.SessionID)
	if err != nil {
		return nil, err
	}

	return &RotationResult{
		AccessToken:  newAccess,
		RefreshToken: newRefresh,
		UserID:       claims.UserID,
		Username:     claims.Subject,
		SessionID:    claims.SessionID,
		RefreshID:    successor.RefreshID,
	}, nil
}

// RevokeRefreshToken revokes the metadata behind a presented refresh token
// without rotating it. Used on logout.
func (m *Manager) RevokeRefreshToken(ctx context.Context, refreshToken string) error {
	claims, err := m.Validate(refreshToken)
	if err != nil {
		return err
	}
	if claims.TokenType != TypeRefresh || claims.RefreshID == "" {
		return fmt.Errorf("%w: got %q", ErrWrongTokenType, claims.TokenType)
	}
	return m.store.Revoke(ctx, claims.RefreshID)
}
