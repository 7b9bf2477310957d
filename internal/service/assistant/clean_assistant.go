package assistant

import (
	"context"
	"fmt"
	"time"
)

const DefaultCleanupInterval = time.Hour

// Purger deletes expired rows and reports how many went away.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// StartCleaner periodically drops expired email confirmations and whatever extra purgers hold.
func (s *Service) StartCleaner(ctx context.Context, interval time.Duration, extra ...Purger) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go s.cleanupLoop(ctx, interval, append([]Purger{s}, extra...))
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration, purgers []Purger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupOnce(ctx, purgers)
		}
	}
}

func (s *Service) cleanupOnce(ctx context.Context, purgers []Purger) {
	for _, p := range purgers {
		n, err := p.PurgeExpired(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "cleanup expired rows", "purger", fmt.Sprintf("%T", p), "err", err)
			continue
		}
		if n > 0 {
			s.logger.InfoContext(ctx, "cleanup expired rows", "purger", fmt.Sprintf("%T", p), "removed", n)
		}
	}
}

// PurgeExpired removes confirmation tokens past their expiry.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM email_confirmations WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired confirmations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
