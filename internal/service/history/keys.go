package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentchat/internal/models"
)

// ProviderKey returns the decrypted key stored for the user/provider pair, or "" when none.
func (s *Service) ProviderKey(ctx context.Context, userID int64, provider string) (string, error) {
	if userID <= 0 {
		return "", errors.New("invalid user id")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return "", errors.New("provider is required")
	}
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT api_key FROM provider_keys WHERE user_id = ? AND provider = ? LIMIT 1`,
		userID, provider,
	).Scan(&stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("lookup provider key: %w", err)
	}
	plain, err := s.reveal(stored)
	if err != nil {
		return "", fmt.Errorf("provider %s: %w", provider, err)
	}
	return plain, nil
}

// reveal decrypts a stored key. Rows written before encryption was enabled are returned
// as is; ciphertext sealed under another key yields ErrKeyUnreadable.
func (s *Service) reveal(stored string) (string, error) {
	if s.cipher == nil {
		return stored, nil
	}
	plain, err := s.cipher.Decrypt(stored)
	switch {
	case err == nil:
		return plain, nil
	case errors.Is(err, errNotSealed):
		return stored, nil
	default:
		return "", ErrKeyUnreadable
	}
}

// SetProviderKey persists or replaces the key for a user/provider pair.
func (s *Service) SetProviderKey(ctx context.Context, userID int64, provider, key string) error {
	if userID <= 0 {
		return errors.New("invalid user id")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return errors.New("provider is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("key is required")
	}
	if _, err := s.GetUser(ctx, userID); err != nil {
		return err
	}

	stored := key
	if s.cipher != nil {
		enc, err := s.cipher.Encrypt(key)
		if err != nil {
			return fmt.Errorf("encrypt provider key: %w", err)
		}
		stored = enc
	}

	query := `INSERT INTO provider_keys (user_id, provider, api_key, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET api_key = excluded.api_key, created_at = excluded.created_at`
	if s.driver == "mysql" {
		query = `INSERT INTO provider_keys (user_id, provider, api_key, created_at) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE api_key = VALUES(api_key), created_at = VALUES(created_at)`
	}
	if _, err := s.db.ExecContext(ctx, query, userID, provider, stored, time.Now().UTC()); err != nil {
		return fmt.Errorf("store provider key: %w", err)
	}
	return nil
}

const unreadableMask = "unreadable"

// ListProviderKeys returns masked keys for display.
func (s *Service) ListProviderKeys(ctx context.Context, userID int64) ([]models.ProviderKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, api_key, created_at FROM provider_keys WHERE user_id = ? ORDER BY provider`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list provider keys: %w", err)
	}
	defer rows.Close()

	keys := make([]models.ProviderKey, 0)
	for rows.Next() {
		var (
			k      models.ProviderKey
			stored string
		)
		if err := rows.Scan(&k.Provider, &stored, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan provider key: %w", err)
		}
		plain, err := s.reveal(stored)
		if err != nil {
			k.Masked = unreadableMask
		} else {
			k.Masked = maskKey(plain)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteProviderKey removes the stored key for a user/provider pair.
func (s *Service) DeleteProviderKey(ctx context.Context, userID int64, provider string) error {
	if userID <= 0 {
		return errors.New("invalid user id")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return errors.New("provider is required")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM provider_keys WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		return fmt.Errorf("delete provider key: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrKeyNotFound
	}
	return nil
}
