package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazaar-commerce/api/internal/repositories"
)

type stubCounterRepository struct {
	mu          sync.Mutex
	nextFn      func(context.Context, string, int64) (int64, error)
	configureFn func(context.Context, string, repositories.CounterConfig) error
	sequences   []string
	configured  map[string]repositories.CounterConfig
}

func (s *stubCounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	s.mu.Lock()
	s.sequences = append(s.sequences, counterID)
	s.mu.Unlock()
	if s.nextFn != nil {
		return s.nextFn(ctx, counterID, step)
	}
	return step, nil
}

func (s *stubCounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	if s.configureFn != nil {
		if err := s.configureFn(ctx, counterID, cfg); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configured == nil {
		s.configured = make(map[string]repositories.CounterConfig)
	}
	if _, dup := s.configured[counterID]; dup {
		panic("sequence configured twice: " + counterID)
	}
	s.configured[counterID] = cfg
	return nil
}

func TestNextOrderNumberFormatsYearlySequence(t *testing.T) {
	repo := &stubCounterRepository{}
	var seq int64
	repo.nextFn = func(context.Context, string, int64) (int64, error) {
		seq += 41
		return seq, nil
	}

	svc, err := NewCounterService(CounterServiceDeps{
		Repository: repo,
		Clock:      fixedClock(time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	first, err := svc.NextOrderNumber(context.Background())
	require.NoError(t, err)
	second, err := svc.NextOrderNumber(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "BZ-2025-000041", first)
	assert.Equal(t, "BZ-2025-000082", second)
	assert.Equal(t, []string{"orders-2025", "orders-2025"}, repo.sequences)
	require.Len(t, repo.configured, 1)
	cfg := repo.configured["orders-2025"]
	assert.EqualValues(t, 1, cfg.Step)
	require.NotNil(t, cfg.MaxValue)
	assert.EqualValues(t, 999999, *cfg.MaxValue)
}

func TestNextOrderNumberUsesConfiguredPrefixAndNewYear(t *testing.T) {
	now := time.Date(2025, 12, 31, 23, 59, 0, 0, time.UTC)
	repo := &stubCounterRepository{}
	svc, err := NewCounterService(CounterServiceDeps{
		Repository: repo,
		Prefix:     " mk ",
		Clock:      func() time.Time { return now },
	})
	require.NoError(t, err)

	got, err := svc.NextOrderNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "MK-2025-000001", got)

	now = now.Add(2 * time.Minute)
	got, err = svc.NextOrderNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "MK-2026-000001", got)
	assert.Contains(t, repo.configured, "orders-2026")
}

func TestNextOrderNumberExhaustedSequence(t *testing.T) {
	repo := &stubCounterRepository{nextFn: func(context.Context, string, int64) (int64, error) {
		return 0, repositories.NewCounterError(repositories.CounterErrorExhausted, "counter orders-2025 reached 999999", nil)
	}}
	svc, err := NewCounterService(CounterServiceDeps{Repository: repo})
	require.NoError(t, err)

	_, err = svc.NextOrderNumber(context.Background())
	assert.ErrorIs(t, err, ErrCounterExhausted)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestNextOrderNumberRetriesPrimingAfterFailure(t *testing.T) {
	failures := 1
	repo := &stubCounterRepository{
		configureFn: func(context.Context, string, repositories.CounterConfig) error {
			if failures > 0 {
				failures--
				return errors.New("firestore unavailable")
			}
			return nil
		},
		nextFn: func(context.Context, string, int64) (int64, error) { return 3, nil },
	}
	svc, err := NewCounterService(CounterServiceDeps{
		Repository: repo,
		Clock:      fixedClock(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	_, err = svc.NextOrderNumber(context.Background())
	require.Error(t, err)
	assert.Empty(t, repo.sequences, "no number may be drawn before the sequence is primed")

	got, err := svc.NextOrderNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "BZ-2026-000003", got)
}
