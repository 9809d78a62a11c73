package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/console-server-go/internal/model"
)

type mockHistoryRepo struct {
	mu      sync.Mutex
	cutoffs []time.Time
	count   int64
	err     error
}

func (m *mockHistoryRepo) FindByInstanceID(ctx context.Context, instanceID string, limit, offset int) ([]model.PairingEvent, error) {
	return nil, nil
}

func (m *mockHistoryRepo) Create(ctx context.Context, params model.CreatePairingEventParams) (*model.PairingEvent, error) {
	return nil, nil
}

func (m *mockHistoryRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.cutoffs = append(m.cutoffs, cutoff)
	return m.count, nil
}

func (m *mockHistoryRepo) calls() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.cutoffs...)
}

func TestCleanupJob(t *testing.T) {
	t.Run("creates job with correct interval and retention", func(t *testing.T) {
		job := NewCleanupJob(nil, 5*time.Minute, 7*24*time.Hour)

		assert.NotNil(t, job)
		assert.Equal(t, 5*time.Minute, job.interval)
		assert.Equal(t, 7*24*time.Hour, job.retention)
	})

	t.Run("prunes once on start with the retention cutoff", func(t *testing.T) {
		repo := &mockHistoryRepo{count: 3}
		job := NewCleanupJob(repo, time.Hour, 48*time.Hour)
		fixed := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
		job.now = func() time.Time { return fixed }

		job.Start()
		require.Eventually(t, func() bool { return len(repo.calls()) == 1 }, time.Second, 5*time.Millisecond)
		job.Stop()

		assert.Equal(t, fixed.Add(-48*time.Hour), repo.calls()[0])
	})

	t.Run("keeps pruning on the interval", func(t *testing.T) {
		repo := &mockHistoryRepo{}
		job := NewCleanupJob(repo, 20*time.Millisecond, time.Hour)

		job.Start()
		require.Eventually(t, func() bool { return len(repo.calls()) >= 3 }, time.Second, 5*time.Millisecond)
		job.Stop()
	})

	t.Run("stops cleanly after a repository failure", func(t *testing.T) {
		repo := &mockHistoryRepo{err: fmt.Errorf("db gone")}
		job := NewCleanupJob(repo, 20*time.Millisecond, time.Hour)

		job.Start()
		time.Sleep(60 * time.Millisecond)
		job.Stop()
	})

	t.Run("no further prunes after stop", func(t *testing.T) {
		repo := &mockHistoryRepo{}
		job := NewCleanupJob(repo, 15*time.Millisecond, time.Hour)

		job.Start()
		require.Eventually(t, func() bool { return len(repo.calls()) >= 2 }, time.Second, 5*time.Millisecond)
		job.Stop()

		time.Sleep(30 * time.Millisecond)
		calls := len(repo.calls())
		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, calls, len(repo.calls()))
	})
}
