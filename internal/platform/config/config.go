package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultRateLimitDefault    = 120
	defaultRateLimitAuth       = 240
	defaultRateLimitWebhook    = 600
	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultCurrency            = "INR"
	defaultTaxRate             = "0.18"
	defaultShippingRates       = "standard=4900,express=14900"
	defaultFreeShippingMin     = 99900
	defaultReservationTTL      = 30 * time.Minute
	defaultCacheTTL            = 60 * time.Second
	defaultGuestCookie         = "bazaar_guest"
	defaultGuestCookieTTL      = 30 * 24 * time.Hour
	defaultPaymentsProvider    = "razorpay"
	defaultPubSubTopic         = "commerce-events"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Redis       RedisConfig
	PubSub      PubSubConfig
	Payments    PaymentsConfig
	Checkout    CheckoutConfig
	Cache       CacheConfig
	Guest       GuestConfig
	RateLimits  RateLimitConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	// AuthEmulatorHost points token verification at the Auth emulator for local checkout testing.
	AuthEmulatorHost string
	// CheckRevoked makes every verification consult Firebase for revoked sessions.
	CheckRevoked bool
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID string
	// DatabaseID selects a named database; empty means "(default)".
	DatabaseID   string
	EmulatorHost string
}

// RedisConfig points at the Redis instance backing the response cache and idempotency keys.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// PubSubConfig configures domain event publishing.
type PubSubConfig struct {
	ProjectID string
	Topic     string
}

// PaymentsConfig collects gateway credentials.
type PaymentsConfig struct {
	DefaultProvider string
	Razorpay        RazorpayConfig
	Stripe          StripeConfig
}

// RazorpayConfig holds the key pair and the webhook secret, which is distinct from the key secret.
type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
}

// StripeConfig holds Stripe credentials.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
}

// CheckoutConfig controls pricing defaults and reservation lifetime.
type CheckoutConfig struct {
	Currency              string
	DefaultTaxRate        decimal.Decimal
	ShippingRates         map[string]int64
	FreeShippingThreshold int64
	ReservationTTL        time.Duration
	OrderNumberPrefix     string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

// GuestConfig controls the guest identity cookie.
type GuestConfig struct {
	CookieName string
	TTL        time.Duration
	Secure     bool
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	DefaultPerMinute       int
	AuthenticatedPerMinute int
	WebhookPerMinute       int
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification for internal routes.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header string
	TTL    time.Duration
}

// ExposeErrorDetails reports whether error responses may carry internal detail.
func (c SecurityConfig) ExposeErrorDetails() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "local", "dev", "development", "test":
		return true
	default:
		return false
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts...)

	dotEnvValues, err := readDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}
	lookup := options.lookup(dotEnvValues)

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:        stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile:  stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
			AuthEmulatorHost: stringWithDefault(lookup, "API_FIREBASE_AUTH_EMULATOR_HOST", ""),
			CheckRevoked:     boolWithDefault(lookup, "API_FIREBASE_CHECK_REVOKED", false),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			DatabaseID:   stringWithDefault(lookup, "API_FIRESTORE_DATABASE", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Redis: RedisConfig{
			Addr:      stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			Password:  stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:        intWithDefault(lookup, "API_REDIS_DB", 0),
			KeyPrefix: stringWithDefault(lookup, "API_REDIS_KEY_PREFIX", "bazaar"),
		},
		PubSub: PubSubConfig{
			ProjectID: stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			Topic:     stringWithDefault(lookup, "API_PUBSUB_TOPIC", defaultPubSubTopic),
		},
		Payments: PaymentsConfig{
			DefaultProvider: strings.ToLower(stringWithDefault(lookup, "API_PAYMENTS_DEFAULT_PROVIDER", defaultPaymentsProvider)),
			Razorpay: RazorpayConfig{
				KeyID:         stringWithDefault(lookup, "API_RAZORPAY_KEY_ID", ""),
				KeySecret:     stringWithDefault(lookup, "API_RAZORPAY_KEY_SECRET", ""),
				WebhookSecret: stringWithDefault(lookup, "API_RAZORPAY_WEBHOOK_SECRET", ""),
			},
			Stripe: StripeConfig{
				APIKey:        stringWithDefault(lookup, "API_STRIPE_API_KEY", ""),
				WebhookSecret: stringWithDefault(lookup, "API_STRIPE_WEBHOOK_SECRET", ""),
			},
		},
		Checkout: CheckoutConfig{
			Currency:              strings.ToUpper(stringWithDefault(lookup, "API_CHECKOUT_CURRENCY", defaultCurrency)),
			FreeShippingThreshold: int64(intWithDefault(lookup, "API_CHECKOUT_FREE_SHIPPING_MIN", defaultFreeShippingMin)),
			ReservationTTL:        durationWithDefault(lookup, "API_CHECKOUT_RESERVATION_TTL", defaultReservationTTL),
			OrderNumberPrefix:     strings.ToUpper(stringWithDefault(lookup, "API_CHECKOUT_ORDER_PREFIX", "BZ")),
		},
		Cache: CacheConfig{
			Enabled: boolWithDefault(lookup, "API_CACHE_ENABLED", true),
			TTL:     durationWithDefault(lookup, "API_CACHE_TTL", defaultCacheTTL),
		},
		Guest: GuestConfig{
			CookieName: stringWithDefault(lookup, "API_GUEST_COOKIE_NAME", defaultGuestCookie),
			TTL:        durationWithDefault(lookup, "API_GUEST_COOKIE_TTL", defaultGuestCookieTTL),
			Secure:     boolWithDefault(lookup, "API_GUEST_COOKIE_SECURE", true),
		},
		RateLimits: RateLimitConfig{
			DefaultPerMinute:       intWithDefault(lookup, "API_RATELIMIT_DEFAULT_PER_MIN", defaultRateLimitDefault),
			AuthenticatedPerMinute: intWithDefault(lookup, "API_RATELIMIT_AUTH_PER_MIN", defaultRateLimitAuth),
			WebhookPerMinute:       intWithDefault(lookup, "API_RATELIMIT_WEBHOOK_PER_MIN", defaultRateLimitWebhook),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:  stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:  csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header: stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:    durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
		},
	}

	var invalid []string

	taxRate, err := decimal.NewFromString(stringWithDefault(lookup, "API_CHECKOUT_TAX_RATE", defaultTaxRate))
	if err != nil || taxRate.IsNegative() {
		invalid = append(invalid, "Checkout.DefaultTaxRate")
	}
	cfg.Checkout.DefaultTaxRate = taxRate

	rates, err := parseShippingRates(stringWithDefault(lookup, "API_CHECKOUT_SHIPPING_RATES", defaultShippingRates))
	if err != nil {
		invalid = append(invalid, "Checkout.ShippingRates")
	}
	cfg.Checkout.ShippingRates = rates

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Redis.Password", &cfg.Redis.Password},
		{"Payments.Razorpay.KeySecret", &cfg.Payments.Razorpay.KeySecret},
		{"Payments.Razorpay.WebhookSecret", &cfg.Payments.Razorpay.WebhookSecret},
		{"Payments.Stripe.APIKey", &cfg.Payments.Stripe.APIKey},
		{"Payments.Stripe.WebhookSecret", &cfg.Payments.Stripe.WebhookSecret},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func validateConfig(cfg Config, invalid []string) error {
	fields := append([]string(nil), invalid...)

	if cfg.Server.Port == "" {
		fields = append(fields, "Server.Port")
	}
	if cfg.Firebase.ProjectID == "" {
		fields = append(fields, "Firebase.ProjectID")
	}
	if cfg.Firestore.ProjectID == "" {
		fields = append(fields, "Firestore.ProjectID")
	}
	if len(cfg.Checkout.Currency) != 3 {
		fields = append(fields, "Checkout.Currency")
	}
	if cfg.Checkout.ReservationTTL <= 0 {
		fields = append(fields, "Checkout.ReservationTTL")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		fields = append(fields, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		fields = append(fields, "Idempotency.TTL")
	}
	switch cfg.Payments.DefaultProvider {
	case "razorpay", "stripe":
	default:
		fields = append(fields, "Payments.DefaultProvider")
	}

	if len(fields) > 0 {
		return &ValidationError{fields: fields}
	}
	return nil
}

func parseShippingRates(raw string) (map[string]int64, error) {
	rates := make(map[string]int64)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, amount, ok := strings.Cut(entry, "=")
		if !ok {
			return rates, fmt.Errorf("config: shipping rate %q must be method=amount", entry)
		}
		value, err := strconv.ParseInt(strings.TrimSpace(amount), 10, 64)
		if err != nil || value < 0 {
			return rates, fmt.Errorf("config: shipping rate %q has invalid amount", entry)
		}
		rates[strings.ToLower(strings.TrimSpace(name))] = value
	}
	if len(rates) == 0 {
		return rates, fmt.Errorf("config: at least one shipping rate is required")
	}
	return rates, nil
}
