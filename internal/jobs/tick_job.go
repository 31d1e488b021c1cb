package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/maheshrc27/postflow/internal/service"
	"github.com/maheshrc27/postflow/internal/transfer"
)

// TickJob runs scheduler ticks from cron. A tick that fires while the
// previous one is still running is skipped; overlapping ticks in other
// processes are safe because every transition is conditional.
type TickJob struct {
	ss      service.SchedulerService
	running sync.Mutex
}

func NewTickJob(ss service.SchedulerService) *TickJob {
	return &TickJob{ss: ss}
}

func (j *TickJob) Tick() {
	j.Run(context.Background())
}

// Run returns nil when the tick was skipped.
func (j *TickJob) Run(ctx context.Context) *transfer.TickReport {
	if !j.running.TryLock() {
		slog.Warn("previous tick still running, skipping")
		return nil
	}
	defer j.running.Unlock()

	start := time.Now()
	report, err := j.ss.Tick(ctx)
	if err != nil {
		slog.Error("tick failed", "error", err, "elapsed", time.Since(start))
	}
	return report
}
