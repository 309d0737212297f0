package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	domain "github.com/bazaar-commerce/api/internal/domain"
	"github.com/bazaar-commerce/api/internal/platform/auth"
	"github.com/bazaar-commerce/api/internal/platform/httpx"
	"github.com/bazaar-commerce/api/internal/platform/requestctx"
	"github.com/bazaar-commerce/api/internal/services"
)

const defaultBodyLimit = 32 * 1024

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

type errorDetailKey struct{}

// ErrorDetailMiddleware marks requests whose error responses may include internal detail. It is
// installed only outside production.
func ErrorDetailMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), errorDetailKey{}, true)))
	})
}

func exposeErrorDetail(ctx context.Context) bool {
	v, _ := ctx.Value(errorDetailKey{}).(bool)
	return v
}

type errorMapping struct {
	status  int
	code    string
	message string
}

// kindMappings maps each service error kind onto its HTTP rendering. An empty message means the
// error text is safe to show.
var kindMappings = map[services.ErrorKind]errorMapping{
	services.KindValidation:       {status: http.StatusBadRequest, code: "validation_error"},
	services.KindNotFound:         {status: http.StatusNotFound, code: "not_found"},
	services.KindForbidden:        {status: http.StatusForbidden, code: "forbidden"},
	services.KindConflict:         {status: http.StatusConflict, code: "conflict"},
	services.KindOutOfStock:       {status: http.StatusConflict, code: "out_of_stock"},
	services.KindInvalidPromotion: {status: http.StatusBadRequest, code: "invalid_promotion"},
	services.KindInvalidSignature: {status: http.StatusBadRequest, code: "invalid_signature", message: "signature verification failed"},
	services.KindExternalTimeout:  {status: http.StatusServiceUnavailable, code: "external_timeout", message: "payment provider timed out, please retry"},
	services.KindExternalService:  {status: http.StatusBadGateway, code: "external_service_error", message: "payment provider request failed"},
	services.KindUnavailable:      {status: http.StatusServiceUnavailable, code: "service_unavailable", message: "service temporarily unavailable"},
	services.KindInternal:         {status: http.StatusInternalServerError, code: "internal_error", message: "internal server error"},
}

// writeServiceError is the single translation point from service errors to the response envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", services.ErrExternalTimeout, err)
	}
	kind := services.KindOf(err)
	mapping, ok := kindMappings[kind]
	if !ok {
		mapping = kindMappings[services.KindInternal]
	}
	message := mapping.message
	if message == "" {
		message = err.Error()
	}

	apiErr := httpx.NewError(mapping.code, message, mapping.status)
	details := map[string]any{}
	var rejection *services.PromotionError
	if errors.As(err, &rejection) {
		details["reason"] = string(rejection.Reason)
		details["code"] = rejection.Code
	}
	if exposeErrorDetail(ctx) {
		details["error"] = err.Error()
	}
	apiErr = apiErr.WithDetails(details)

	if mapping.status >= http.StatusInternalServerError {
		requestctx.Logger(ctx).Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	httpx.WriteError(ctx, w, apiErr)
}

func writeBadRequest(ctx context.Context, w http.ResponseWriter, message string) {
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	return data, nil
}

// decodeJSONBody reads a bounded JSON body into dst and writes the error response itself when
// decoding fails. Unknown fields are rejected.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	ctx := r.Context()
	data, err := readLimitedBody(r, limit)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return false
		}
		writeBadRequest(ctx, w, err.Error())
		return false
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeBadRequest(ctx, w, fmt.Sprintf("invalid JSON payload: %v", err))
		return false
	}
	return true
}

// decodeOptionalJSONBody accepts an empty body and leaves dst untouched.
func decodeOptionalJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	if r.ContentLength == 0 && r.Header.Get("Transfer-Encoding") == "" {
		return true
	}
	data, err := readLimitedBody(r, limit)
	switch {
	case errors.Is(err, errEmptyBody):
		return true
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(r.Context(), w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return false
	case err != nil:
		writeBadRequest(r.Context(), w, err.Error())
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		writeBadRequest(r.Context(), w, fmt.Sprintf("invalid JSON payload: %v", err))
		return false
	}
	return true
}

// ownerFromRequest resolves the cart owner: the signed-in user, otherwise the guest session.
func ownerFromRequest(ctx context.Context) (domain.OwnerKey, bool) {
	if identity, ok := auth.IdentityFromContext(ctx); ok && strings.TrimSpace(identity.UID) != "" {
		return domain.OwnerKey{UserID: strings.TrimSpace(identity.UID)}, true
	}
	if guestID, ok := auth.GuestIDFromContext(ctx); ok {
		return domain.OwnerKey{GuestID: guestID}, true
	}
	return domain.OwnerKey{}, false
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func writeMissingOwner(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "sign in or enable cookies to use the cart", http.StatusUnauthorized))
}

func actorID(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok {
		return identity.UID
	}
	if guestID, ok := auth.GuestIDFromContext(ctx); ok {
		return "guest:" + guestID
	}
	return ""
}
