// Package queue is the only writer of queue item state. It promotes due posts
// into per-platform items, hands ready items to drainers, records outcomes
// and rolls item states up into the owning post's status.
package queue

import (
	"github.com/maheshrc27/postflow/internal/metrics"
	"github.com/maheshrc27/postflow/internal/notify"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/retry"
	"github.com/maheshrc27/postflow/pkg/clock"
)

type Manager struct {
	posts   repository.PostRepository
	items   repository.QueueRepository
	sink    notify.Sink
	policy  retry.Policy
	budgets map[string]int
	clock   clock.Clock
	metrics *metrics.Pipeline
}

type Options struct {
	Policy retry.Policy
	// MaxAttempts overrides the policy's attempt budget per platform slug.
	MaxAttempts map[string]int
	Clock       clock.Clock
	Metrics     *metrics.Pipeline
}

func NewManager(posts repository.PostRepository, items repository.QueueRepository, sink notify.Sink, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if sink == nil {
		sink = notify.NewLogSink(nil, opts.Metrics)
	}
	return &Manager{
		posts:   posts,
		items:   items,
		sink:    sink,
		policy:  opts.Policy,
		budgets: opts.MaxAttempts,
		clock:   opts.Clock,
		metrics: opts.Metrics,
	}
}
