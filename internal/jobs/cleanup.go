package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/console-server-go/internal/repository"
)

// CleanupJob prunes pairing history rows older than the retention window.
type CleanupJob struct {
	historyRepo repository.PairingEventRepository
	interval    time.Duration
	retention   time.Duration
	done        chan struct{}

	now func() time.Time
}

func NewCleanupJob(
	historyRepo repository.PairingEventRepository,
	interval time.Duration,
	retention time.Duration,
) *CleanupJob {
	return &CleanupJob{
		historyRepo: historyRepo,
		interval:    interval,
		retention:   retention,
		done:        make(chan struct{}),
		now:         time.Now,
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().
		Dur("interval", j.interval).
		Dur("retention", j.retention).
		Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := j.now().Add(-j.retention)
	count, err := j.historyRepo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("failed to prune pairing events")
	} else if count > 0 {
		log.Info().Int64("count", count).Time("cutoff", cutoff).Msg("pruned pairing events")
	}
}
