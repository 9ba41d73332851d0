package auth

import (
	"context"
	"fmt"
	"time"
)

const DefaultTokenCleanupInterval = time.Hour

// StartTokenCleaner deletes expired tokens every interval until ctx is done.
func (s *Service) StartTokenCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTokenCleanupInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("cleanup expired tokens")
				continue
			}
			if n > 0 {
				s.logger.Debug().Int64("tokens", n).Msg("expired tokens removed")
			}
		}
	}
}

// PurgeExpired removes expired tokens and reports how many were deleted. Cached copies
// expire on their own TTL.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}
