package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/bazaar-commerce/api/internal/platform/firestore"
	"github.com/bazaar-commerce/api/internal/repositories"
)

const countersCollection = "counters"

type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	Step         int64     `firestore:"step"`
	MaxValue     *int64    `firestore:"maxValue,omitempty"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// advance moves the counter by step, or by its stored step when step is zero. A fresh counter
// remembers the first step it was advanced with.
func (d *counterDocument) advance(id string, step int64) (int64, error) {
	if step == 0 {
		step = d.Step
	}
	if step <= 0 {
		step = 1
	}
	value := d.CurrentValue + step
	if d.MaxValue != nil && value > *d.MaxValue {
		return 0, repositories.NewCounterError(repositories.CounterErrorExhausted,
			fmt.Sprintf("counter %s reached %d", id, *d.MaxValue), nil)
	}
	d.CurrentValue = value
	if d.Step <= 0 {
		d.Step = step
	}
	return value, nil
}

// CounterRepository backs order numbering with one document per sequence.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.Collection[counterDocument]
	now      func() time.Time
}

func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		provider: provider,
		counters: pfirestore.NewCollection[counterDocument](provider, countersCollection, nil, nil),
		now:      time.Now,
	}, nil
}

// Next advances counterID inside a transaction and returns the new value.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	switch {
	case r == nil || r.provider == nil:
		return 0, errors.New("counter repository not initialised")
	case id == "":
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	case step < 0:
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, fmt.Sprintf("negative step %d", step), nil)
	}

	var next int64
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		var doc counterDocument
		existing, err := r.counters.Get(ctx, id)
		switch {
		case err == nil:
			doc = existing.Data
		case !isNotFound(err):
			return err
		}
		if next, err = doc.advance(id, step); err != nil {
			return err
		}
		doc.UpdatedAt = r.now().UTC()
		_, err = r.counters.Set(ctx, id, doc)
		return err
	})

	var counterErr *repositories.CounterError
	switch {
	case err == nil:
		return next, nil
	case errors.As(err, &counterErr):
		if counterErr.Op == "" {
			counterErr.Op = "counters.next"
		}
		return 0, counterErr
	default:
		return 0, pfirestore.WrapError("counters.next", err)
	}
}

// Configure merges the supplied settings into the counter without touching fields left unset.
func (r *CounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	if r == nil || r.provider == nil {
		return errors.New("counter repository not initialised")
	}
	id := strings.TrimSpace(counterID)
	if id == "" {
		return repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}

	fields := map[string]any{"updatedAt": r.now().UTC()}
	if cfg.Step > 0 {
		fields["step"] = cfg.Step
	}
	if cfg.MaxValue != nil {
		fields["maxValue"] = *cfg.MaxValue
	}
	if cfg.InitialValue != nil {
		fields["currentValue"] = *cfg.InitialValue
	}

	ref, err := r.counters.Doc(ctx, id)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, fields, firestore.MergeAll)
	return pfirestore.WrapError("counters.configure", err)
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)
