// Package gateway runs the per-request admission pipeline shared by every API endpoint:
// key lookup, then quota, then payload validation. The first failing step decides.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/promptgate/promptgate/internal/models"
	"github.com/promptgate/promptgate/internal/ratelimit"
	"github.com/promptgate/promptgate/internal/validator"
	"go.uber.org/zap"
)

// Kind tags an Outcome
type Kind int

const (
	Admitted Kind = iota
	Unauthorized
	RateLimited
	Invalid
	InternalFault
)

func (k Kind) String() string {
	switch k {
	case Admitted:
		return "admitted"
	case Unauthorized:
		return "unauthorized"
	case RateLimited:
		return "rate_limited"
	case Invalid:
		return "invalid"
	case InternalFault:
		return "internal_fault"
	default:
		return "unknown"
	}
}

// Outcome is the terminal decision for one request
type Outcome struct {
	Kind Kind
	// Key is the resolved key; nil for Unauthorized
	Key *models.APIKey
	// Quota is set once the rate limiter ran (Admitted, RateLimited, Invalid)
	Quota *ratelimit.Decision
	// Payload is the decoded body of an Admitted request
	Payload validator.Payload
	// Field and Reason describe an Invalid payload
	Field  string
	Reason string
	// Err carries the cause of an InternalFault
	Err error
}

// RetryAfter is the wait before a RateLimited request may succeed
func (o Outcome) RetryAfter() time.Duration {
	if o.Quota == nil {
		return 0
	}
	return o.Quota.RetryAfter
}

// KeyLookup resolves raw API keys
type KeyLookup interface {
	Lookup(raw string) (*models.APIKey, error)
}

// QuotaChecker counts a request against a key's quota
type QuotaChecker interface {
	Allow(keyID string, quota int, now time.Time) ratelimit.Decision
}

// PayloadValidator checks endpoint payloads
type PayloadValidator interface {
	Validate(endpoint validator.Endpoint, payload validator.Payload) validator.Result
}

// Gateway composes the key store, the rate limiter and the validator
type Gateway struct {
	keys      KeyLookup
	limiter   QuotaChecker
	validator PayloadValidator
	stats     ratelimit.StatsStore
	logger    *zap.Logger
	// statsTimeout bounds one stats write
	statsTimeout time.Duration
}

// Option configures a Gateway
type Option func(*Gateway)

// WithStats records every decision into s
func WithStats(s ratelimit.StatsStore) Option {
	return func(g *Gateway) { g.stats = s }
}

// WithLogger sets the logger for faults and stats failures
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

func New(keys KeyLookup, limiter QuotaChecker, v PayloadValidator, opts ...Option) *Gateway {
	g := &Gateway{
		keys:         keys,
		limiter:      limiter,
		validator:    v,
		logger:       zap.NewNop(),
		statsTimeout: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// DecodeFunc produces the payload of a request. An error makes the request Invalid.
type DecodeFunc func() (validator.Payload, error)

// Admit runs the pipeline over an already decoded payload
func (g *Gateway) Admit(ctx context.Context, key string, endpoint validator.Endpoint, payload validator.Payload, now time.Time) Outcome {
	return g.AdmitFunc(ctx, key, endpoint, func() (validator.Payload, error) { return payload, nil }, now)
}

// AdmitBody runs the pipeline over a raw body. The body is decoded only
// after the key and quota checks pass.
func (g *Gateway) AdmitBody(ctx context.Context, key string, endpoint validator.Endpoint, body []byte, now time.Time) Outcome {
	return g.AdmitFunc(ctx, key, endpoint, func() (validator.Payload, error) { return validator.ParsePayload(body) }, now)
}

// AdmitFunc runs the pipeline, calling decode only once the key and quota checks pass
func (g *Gateway) AdmitFunc(ctx context.Context, key string, endpoint validator.Endpoint, decode DecodeFunc, now time.Time) (out Outcome) {
	// apiKey is set once resolved, so a fault is still attributed to the key
	var apiKey *models.APIKey
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Kind: InternalFault, Key: apiKey, Err: fmt.Errorf("gateway panic: %v", r)}
			g.logger.Error("Gateway pipeline panicked",
				zap.String("endpoint", string(endpoint)),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
		g.record(ctx, endpoint, out, now)
	}()

	if now.IsZero() {
		return Outcome{Kind: InternalFault, Err: fmt.Errorf("gateway: no request time")}
	}

	found, err := g.keys.Lookup(key)
	if err != nil || found == nil {
		return Outcome{Kind: Unauthorized}
	}
	apiKey = found

	decision := g.limiter.Allow(apiKey.ID, apiKey.Quota, now)
	if !decision.Allowed {
		return Outcome{Kind: RateLimited, Key: apiKey, Quota: &decision}
	}

	payload, err := decode()
	if err != nil {
		return Outcome{Kind: Invalid, Key: apiKey, Quota: &decision, Reason: err.Error()}
	}

	if res := g.validator.Validate(endpoint, payload); !res.Valid() {
		return Outcome{Kind: Invalid, Key: apiKey, Quota: &decision, Field: res.Field, Reason: res.Reason}
	}

	return Outcome{Kind: Admitted, Key: apiKey, Quota: &decision, Payload: payload}
}

// record writes the decision to the stats store; failures are logged only
func (g *Gateway) record(ctx context.Context, endpoint validator.Endpoint, out Outcome, now time.Time) {
	if g.stats == nil {
		return
	}

	ev := ratelimit.Event{
		Endpoint: string(endpoint),
		Outcome:  out.Kind.String(),
		At:       now,
	}
	if out.Key != nil {
		ev.KeyID = out.Key.ID
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.statsTimeout)
	defer cancel()

	if err := g.stats.Record(ctx, ev); err != nil {
		g.logger.Warn("Failed to record gateway decision",
			zap.String("endpoint", ev.Endpoint),
			zap.String("outcome", ev.Outcome),
			zap.Error(err))
	}
}
