package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Listings that issue page tokens.
const (
	ScopeOrders   = "orders"
	ScopeLowStock = "inventory.low_stock"
)

// Cursor is the last item of a page. Scope names the listing that issued it.
type Cursor struct {
	Scope     string    `json:"s,omitempty"`
	CreatedAt time.Time `json:"t,omitempty"`
	// Rank is the sort value for listings not ordered by creation time, e.g. stock headroom.
	Rank int    `json:"r,omitempty"`
	ID   string `json:"id"`
}

// EncodeToken returns "" for a cursor without an ID, meaning there is no next page.
func EncodeToken(c Cursor) (string, error) {
	if c.ID == "" {
		return "", nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeToken checks a token's shape without regard to which listing issued it.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if c.ID == "" {
		return Cursor{}, fmt.Errorf("%w: missing id", ErrInvalidPageToken)
	}
	return c, nil
}

// DecodeScoped decodes a token and rejects one issued by a different listing.
func DecodeScoped(scope, token string) (Cursor, error) {
	c, err := DecodeToken(token)
	if err != nil || c.ID == "" {
		return c, err
	}
	if c.Scope != scope {
		return Cursor{}, fmt.Errorf("%w: token belongs to %q", ErrInvalidPageToken, c.Scope)
	}
	return c, nil
}
