package viewsync

import (
	"context"

	"github.com/xiaot623/crawlwatch/internal/domain"
)

// Snapshot is the full content of a scope as of one point in time.
type Snapshot struct {
	Scope Scope
	Runs  []domain.Run
	Pages []domain.Page
}

// SnapshotLoader fetches the current content of a scope. A load either
// returns every row or fails as a whole with a *FetchError.
type SnapshotLoader interface {
	Load(ctx context.Context, scope Scope) (*Snapshot, error)
}

// ChangeSource opens change subscriptions. onEvent is called sequentially,
// in delivery order, until the subscription ends.
type ChangeSource interface {
	Subscribe(ctx context.Context, scope Scope, onEvent func(domain.Change)) (Subscription, error)
}

// Subscription is a live change subscription.
type Subscription interface {
	// Done is closed when the subscription ends, requested or not.
	Done() <-chan struct{}
	// Err reports why the subscription ended, nil while it is live or after Unsubscribe.
	Err() error
	// Unsubscribe ends the subscription. onEvent is not called after it returns.
	Unsubscribe()
}
