package session

import "context"

// FollowActive runs fn for the active session and keeps it in step with the
// registry. When the active session changes, the running fn's context is
// cancelled and FollowActive waits for fn to return before starting fn for
// the new session, so at most one fn runs at any instant. fn is not called
// while no session is active. FollowActive returns when ctx is done, after the
// last fn has returned.
func FollowActive(ctx context.Context, reg *Registry, fn func(context.Context, *Session)) error {
	changes, unsubscribe := reg.Subscribe()
	defer unsubscribe()

	var (
		current *Session
		cancel  context.CancelFunc
		done    chan struct{}
	)
	stop := func() {
		if cancel == nil {
			return
		}
		cancel()
		<-done
		current, cancel, done = nil, nil, nil
	}
	defer stop()

	for {
		if next := reg.Active(); next != current {
			stop()
			if next != nil {
				scope, scopeCancel := context.WithCancel(ctx)
				finished := make(chan struct{})
				go func() {
					defer close(finished)
					fn(scope, next)
				}()
				current, cancel, done = next, scopeCancel, finished
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changes:
		}
	}
}
