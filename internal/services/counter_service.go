package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bazaar-commerce/api/internal/repositories"
)

const (
	defaultOrderNumberPrefix       = "BZ"
	orderSequenceDigits            = 6
	orderSequenceMax         int64 = 999999
)

var (
	ErrCounterInvalidInput = newKindError("counter: invalid input", ErrValidation)
	// ErrCounterExhausted means the yearly order sequence ran past six digits.
	ErrCounterExhausted = newKindError("counter: exhausted", ErrConflict)
)

type CounterServiceDeps struct {
	Repository repositories.CounterRepository
	// Prefix replaces the default "BZ" in issued order numbers.
	Prefix string
	Clock  func() time.Time
}

type counterService struct {
	repo   repositories.CounterRepository
	prefix string
	clock  func() time.Time

	// sequences whose bounds have been written this process
	mu     sync.Mutex
	primed map[string]struct{}
}

// NewCounterService returns the order number issuer.
func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}
	prefix := strings.ToUpper(strings.TrimSpace(deps.Prefix))
	if prefix == "" {
		prefix = defaultOrderNumberPrefix
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &counterService{
		repo:   deps.Repository,
		prefix: prefix,
		clock:  clock,
		primed: make(map[string]struct{}),
	}, nil
}

// NextOrderNumber issues PREFIX-YYYY-NNNNNN. The sequence restarts every UTC year and numbers
// burned by failed checkouts are not handed out again.
func (s *counterService) NextOrderNumber(ctx context.Context) (string, error) {
	year := s.clock().UTC().Year()
	sequence := fmt.Sprintf("orders-%04d", year)

	if err := s.prime(ctx, sequence); err != nil {
		return "", err
	}
	value, err := s.repo.Next(ctx, sequence, 1)
	if err != nil {
		return "", mapCounterError(err)
	}
	return formatOrderNumber(s.prefix, year, value), nil
}

func formatOrderNumber(prefix string, year int, value int64) string {
	return fmt.Sprintf("%s-%04d-%0*d", prefix, year, orderSequenceDigits, value)
}

// prime writes the step and upper bound once per sequence. A failure leaves the sequence unprimed
// so the next checkout tries again.
func (s *counterService) prime(ctx context.Context, sequence string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.primed[sequence]; ok {
		return nil
	}
	limit := orderSequenceMax
	if err := s.repo.Configure(ctx, sequence, repositories.CounterConfig{Step: 1, MaxValue: &limit}); err != nil {
		return mapCounterError(err)
	}
	s.primed[sequence] = struct{}{}
	return nil
}

func mapCounterError(err error) error {
	var counterErr *repositories.CounterError
	if !errors.As(err, &counterErr) {
		return translateRepositoryError(err, nil, nil)
	}
	switch counterErr.Code {
	case repositories.CounterErrorInvalidInput:
		return fmt.Errorf("%w: %s", ErrCounterInvalidInput, counterErr.Message)
	case repositories.CounterErrorExhausted:
		return fmt.Errorf("%w: %s", ErrCounterExhausted, counterErr.Message)
	default:
		return translateRepositoryError(err, nil, nil)
	}
}
