package services

import (
	"errors"
	"fmt"

	"github.com/bazaar-commerce/api/internal/repositories"
)

// Error kinds. Every service sentinel unwraps to exactly one of these so transports can map an
// error to a status without knowing individual sentinels.
var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrConflict         = errors.New("conflict")
	ErrExternalService  = errors.New("external service failure")
	ErrExternalTimeout  = errors.New("external service timeout")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrOutOfStock       = errors.New("out of stock")
	ErrInvalidPromotion = errors.New("invalid promotion")
	ErrUnavailable      = errors.New("dependency unavailable")
)

type kindError struct {
	msg  string
	kind error
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }

func newKindError(msg string, kind error) error {
	return &kindError{msg: msg, kind: kind}
}

// ErrorKind is the stable classification of a service error.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindNotFound         ErrorKind = "not_found"
	KindForbidden        ErrorKind = "forbidden"
	KindConflict         ErrorKind = "conflict"
	KindExternalService  ErrorKind = "external_service"
	KindExternalTimeout  ErrorKind = "external_timeout"
	KindInvalidSignature ErrorKind = "invalid_signature"
	KindOutOfStock       ErrorKind = "out_of_stock"
	KindInvalidPromotion ErrorKind = "invalid_promotion"
	KindUnavailable      ErrorKind = "unavailable"
	KindInternal         ErrorKind = "internal"
)

var kindOrder = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInvalidPromotion, KindInvalidPromotion},
	{ErrOutOfStock, KindOutOfStock},
	{ErrInvalidSignature, KindInvalidSignature},
	{ErrExternalTimeout, KindExternalTimeout},
	{ErrExternalService, KindExternalService},
	{ErrValidation, KindValidation},
	{ErrNotFound, KindNotFound},
	{ErrForbidden, KindForbidden},
	{ErrConflict, KindConflict},
	{ErrUnavailable, KindUnavailable},
}

// KindOf classifies err. Unclassified errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, entry := range kindOrder {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindInternal
}

// PromotionRejection is the closed set of reasons a promotion can be refused.
type PromotionRejection string

const (
	RejectNotFound             PromotionRejection = "not_found"
	RejectExpired              PromotionRejection = "expired"
	RejectNotYetActive         PromotionRejection = "not_yet_active"
	RejectMinOrderNotMet       PromotionRejection = "min_order_not_met"
	RejectMinItemsNotMet       PromotionRejection = "min_items_not_met"
	RejectUsageLimitReached    PromotionRejection = "usage_limit_reached"
	RejectUserLimitReached     PromotionRejection = "user_limit_reached"
	RejectCustomerTypeMismatch PromotionRejection = "customer_type_mismatch"
	RejectAlreadyApplied       PromotionRejection = "already_applied"
)

// PromotionError reports why a promotion was rejected. AlreadyApplied is a conflict, every other
// reason is an invalid promotion.
type PromotionError struct {
	Code   string
	Reason PromotionRejection
	Detail string
}

func (e *PromotionError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("promotion %s rejected: %s: %s", e.Code, e.Reason, e.Detail)
	}
	return fmt.Sprintf("promotion %s rejected: %s", e.Code, e.Reason)
}

func (e *PromotionError) Unwrap() error {
	if e.Reason == RejectAlreadyApplied {
		return ErrConflict
	}
	return ErrInvalidPromotion
}

func rejectPromotion(code string, reason PromotionRejection, detail string) error {
	return &PromotionError{Code: code, Reason: reason, Detail: detail}
}

// translateRepositoryError maps repository failures onto the sentinel family of the calling
// service so the kind survives the layer boundary.
func translateRepositoryError(err error, notFound, conflict error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound() && notFound != nil:
			return fmt.Errorf("%w: %v", notFound, err)
		case repoErr.IsConflict() && conflict != nil:
			return fmt.Errorf("%w: %v", conflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
