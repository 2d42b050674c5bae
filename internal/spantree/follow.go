package spantree

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tobert/devlens/internal/mailbox"
	"github.com/tobert/devlens/internal/session"
)

// Follow feeds the active client's span records into the tree until ctx is
// done. When a different client becomes active the tree is reset and the new
// client's mailbox is drained from then on. When the active client goes away
// the tree keeps its last contents.
func (t *Tree) Follow(ctx context.Context, reg *session.Registry) error {
	return session.FollowActive(ctx, reg, func(ctx context.Context, s *session.Session) {
		t.Reset()
		t.logger.Debug("following client", slog.Int("client", s.ID()))

		for {
			batch, err := s.Spans().TakeAll(ctx)
			if err != nil {
				if errors.Is(err, mailbox.ErrEnded) {
					t.logger.Debug("client span stream ended", slog.Int("client", s.ID()))
				}
				return
			}
			t.ApplyAll(batch)
		}
	})
}
