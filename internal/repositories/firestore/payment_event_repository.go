package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/bazaar-commerce/api/internal/domain"
	pfirestore "github.com/bazaar-commerce/api/internal/platform/firestore"
	"github.com/bazaar-commerce/api/internal/repositories"
)

const paymentEventsCollection = "paymentEvents"

// PaymentEventRepository records processed webhook deliveries keyed by the gateway event id.
type PaymentEventRepository struct {
	base *pfirestore.Collection[paymentEventDocument]
}

func NewPaymentEventRepository(provider *pfirestore.Provider) (*PaymentEventRepository, error) {
	if provider == nil {
		return nil, errors.New("payment event repository requires firestore provider")
	}
	return &PaymentEventRepository{
		base: pfirestore.NewCollection[paymentEventDocument](provider, paymentEventsCollection, nil, nil),
	}, nil
}

func (r *PaymentEventRepository) Exists(ctx context.Context, eventID string) (bool, error) {
	if r == nil || r.base == nil {
		return false, errors.New("payment event repository not initialised")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, nil
	}
	if _, err := r.base.Get(ctx, eventID); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Record creates the event document; a second delivery of the same id fails with a conflict.
func (r *PaymentEventRepository) Record(ctx context.Context, event domain.PaymentEvent) error {
	if r == nil || r.base == nil {
		return errors.New("payment event repository not initialised")
	}
	id := strings.TrimSpace(event.ID)
	if id == "" {
		return errors.New("payment event repository: event id is required")
	}
	return r.base.Create(ctx, id, paymentEventDocument{
		Provider:   event.Provider,
		Type:       event.Type,
		PaymentID:  event.PaymentID,
		ReceivedAt: event.ReceivedAt.UTC(),
	})
}

type paymentEventDocument struct {
	Provider   string    `firestore:"provider"`
	Type       string    `firestore:"type"`
	PaymentID  string    `firestore:"paymentId,omitempty"`
	ReceivedAt time.Time `firestore:"receivedAt"`
}

var _ repositories.PaymentEventRepository = (*PaymentEventRepository)(nil)
