// Package session binds an authenticated session to a device fingerprint
// and an expiry, and validates both on every check. Validation fails
// closed: any mismatch, expiry, or unreadable stored record destroys the
// session.
//
// The stored record is an HS256-signed token: tamper-evident, but readable
// by anything that can read the shared store. No confidentiality is claimed
// for it; the signing key lives in the same trust domain as the store.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"stafflow.org/internal/audit"
	"stafflow.org/internal/fingerprint"
	"stafflow.org/internal/obs"
)

const (
	defaultTTL    = 8 * time.Hour
	defaultIssuer = "stafflow-guard"
)

const recordKey = "session:current"

var errNoSecret = errors.New("session: signing secret is required")

// Record is the caller-visible view of an active session.
type Record struct {
	Fingerprint string
	ExpiresAt   time.Time
	Claims      map[string]any
}

// claims is the signed shape of the stored record.
type claims struct {
	Fingerprint string         `json:"fp"`
	Data        map[string]any `json:"data,omitempty"`
	jwt.RegisteredClaims
}

// Storer is the slice of the shared store the validator needs.
type Storer interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// Validator mints and checks fingerprint-bound session records.
type Validator struct {
	kv     Storer
	binder *fingerprint.Binder
	audit  *audit.Store
	now    func() time.Time

	secret []byte
	ttl    time.Duration
	issuer string
}

// Option configures the validator.
type Option func(*Validator)

// WithTTL sets the session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(v *Validator) {
		if ttl > 0 {
			v.ttl = ttl
		}
	}
}

// WithIssuer overrides the issuer claim.
func WithIssuer(issuer string) Option {
	return func(v *Validator) {
		if s := strings.TrimSpace(issuer); s != "" {
			v.issuer = s
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		if now != nil {
			v.now = now
		}
	}
}

// New creates a validator. The secret signs session records and must not be
// empty.
func New(kv Storer, binder *fingerprint.Binder, auditStore *audit.Store, secret []byte, opts ...Option) (*Validator, error) {
	if len(secret) == 0 {
		return nil, errNoSecret
	}
	v := &Validator{
		kv:     kv,
		binder: binder,
		audit:  auditStore,
		now:    time.Now,
		secret: secret,
		ttl:    defaultTTL,
		issuer: defaultIssuer,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Create mints a session bound to the current fingerprint, persists it, and
// returns the record.
func (v *Validator) Create(ctx context.Context, data map[string]any) (Record, error) {
	fp, err := v.binder.Bind(ctx)
	if err != nil {
		return Record{}, err
	}
	now := v.now().UTC()
	expires := now.Add(v.ttl)

	c := claims{
		Fingerprint: fp,
		Data:        data,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.secret)
	if err != nil {
		return Record{}, err
	}
	if err := v.kv.Set(ctx, recordKey, signed); err != nil {
		return Record{}, err
	}

	if v.audit != nil {
		v.audit.Append(ctx, audit.Entry{
			Action:   audit.ActionSessionCreated,
			Resource: "session",
			Details:  map[string]any{"expiresAt": expires},
		})
	}
	return Record{Fingerprint: fp, ExpiresAt: expires, Claims: data}, nil
}

// Validate checks the stored session. It returns false and destroys the
// record on expiry, fingerprint mismatch, or any read/parse failure; a
// missing record is simply false.
func (v *Validator) Validate(ctx context.Context) bool {
	raw, ok, err := v.kv.Get(ctx, recordKey)
	if err != nil || !ok {
		obs.SessionValidationsTotal.WithLabelValues("absent").Inc()
		return false
	}

	c, err := v.parse(raw)
	if err != nil {
		v.invalidate(ctx, audit.ActionSessionExpired, map[string]any{"reason": "unreadable"})
		obs.SessionValidationsTotal.WithLabelValues("corrupt").Inc()
		return false
	}
	if c.ExpiresAt == nil || !v.now().Before(c.ExpiresAt.Time) {
		v.invalidate(ctx, audit.ActionSessionExpired, nil)
		obs.SessionValidationsTotal.WithLabelValues("expired").Inc()
		return false
	}
	if !v.binder.Validate(ctx) || !v.binder.Matches(c.Fingerprint) {
		v.invalidate(ctx, audit.ActionSessionHijack, nil)
		obs.SessionValidationsTotal.WithLabelValues("fingerprint_mismatch").Inc()
		return false
	}

	obs.SessionValidationsTotal.WithLabelValues("valid").Inc()
	return true
}

// Current returns the active record without side effects, for diagnostics.
// Invalid or absent records report ok=false.
func (v *Validator) Current(ctx context.Context) (Record, bool) {
	raw, ok, err := v.kv.Get(ctx, recordKey)
	if err != nil || !ok {
		return Record{}, false
	}
	c, err := v.parse(raw)
	if err != nil || c.ExpiresAt == nil {
		return Record{}, false
	}
	return Record{
		Fingerprint: c.Fingerprint,
		ExpiresAt:   c.ExpiresAt.Time,
		Claims:      c.Data,
	}, true
}

// Destroy removes the session record and the bound fingerprint. Idempotent.
func (v *Validator) Destroy(ctx context.Context) {
	_, existed, err := v.kv.Get(ctx, recordKey)
	if err != nil {
		existed = false
	}
	_ = v.kv.Remove(ctx, recordKey)
	v.binder.Clear(ctx)
	if existed && v.audit != nil {
		v.audit.Append(ctx, audit.Entry{
			Action:   audit.ActionSessionEnded,
			Resource: "session",
		})
	}
}

func (v *Validator) parse(raw string) (*claims, error) {
	// Expiry is validated manually against the injected clock, so claim
	// validation is disabled here.
	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("session: unexpected signing method")
		}
		return v.secret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, err
	}
	c, ok := parsed.Claims.(*claims)
	if !ok {
		return nil, errors.New("session: malformed claims")
	}
	if c.Issuer != v.issuer {
		return nil, errors.New("session: unexpected issuer")
	}
	return c, nil
}

func (v *Validator) invalidate(ctx context.Context, action string, details map[string]any) {
	_ = v.kv.Remove(ctx, recordKey)
	v.binder.Clear(ctx)
	if v.audit != nil {
		v.audit.Append(ctx, audit.Entry{
			Action:   action,
			Resource: "session",
			Details:  details,
		})
	}
}
