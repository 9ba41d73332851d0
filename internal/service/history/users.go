package history

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentchat/internal/models"
	"agentchat/internal/storage"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrKeyNotFound        = errors.New("provider key not found")
	ErrKeyUnreadable      = errors.New("stored provider key cannot be decrypted, store it again")
)

// Service persists users, chat sessions, their transcripts and provider keys.
type Service struct {
	db     *sql.DB
	driver string
	cipher *keyCipher
}

// NewService builds the store. An empty cipherKey stores provider keys unencrypted.
func NewService(db *sql.DB, driver, cipherKey string) (*Service, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	c, err := newKeyCipher(cipherKey)
	if err != nil {
		return nil, err
	}
	return &Service{db: db, driver: storage.Driver(driver), cipher: c}, nil
}

// RegisterUser creates a user with the supplied credentials.
func (s *Service) RegisterUser(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	return s.insertUser(ctx, username, "", hashPassword(password))
}

func (s *Service) insertUser(ctx context.Context, username, externalID, hash string) (*models.User, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, external_id, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		username, externalID, hash, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &models.User{ID: id, Username: username, ExternalID: externalID, PasswordHash: hash, CreatedAt: now}, nil
}

// Login validates credentials and returns the user profile.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	user, err := s.userBy(ctx, "username", username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if user.PasswordHash == "" || user.PasswordHash != hashPassword(password) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return s.userBy(ctx, "id", id)
}

// EnsureExternalUser returns the user bound to an identity-provider principal,
// creating it on first sight. Such users have no password.
func (s *Service) EnsureExternalUser(ctx context.Context, externalID, name string) (*models.User, error) {
	externalID = strings.TrimSpace(externalID)
	name = strings.TrimSpace(name)
	if externalID == "" {
		externalID = name
	}
	if externalID == "" {
		return nil, errors.New("principal is required")
	}
	user, err := s.userBy(ctx, "external_id", externalID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	if name == "" {
		name = externalID
	}
	user, err = s.insertUser(ctx, name, externalID, "")
	if err == nil {
		return user, nil
	}
	// Username taken by a local account or a concurrent insert.
	if existing, lookupErr := s.userBy(ctx, "external_id", externalID); lookupErr == nil {
		return existing, nil
	}
	return s.insertUser(ctx, name+"#"+uuid.NewString()[:8], externalID, "")
}

func (s *Service) userBy(ctx context.Context, column string, value any) (*models.User, error) {
	var user models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, external_id, password_hash, created_at FROM users WHERE `+column+` = ?`, value,
	).Scan(&user.ID, &user.Username, &user.ExternalID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}

// DeleteUser removes a user and cascaded data.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid user id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM messages WHERE user_id = ?`,
		`DELETE FROM sessions WHERE user_id = ?`,
		`DELETE FROM provider_keys WHERE user_id = ?`,
		`DELETE FROM user_tokens WHERE user_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete user data: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete user: %w", err)
	}
	return nil
}

func hashPassword(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
