package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/promptgate/promptgate/internal/models"
	"github.com/promptgate/promptgate/internal/ratelimit"
	"github.com/promptgate/promptgate/internal/storage"
	"github.com/promptgate/promptgate/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "sk-test-key-k1-000000000000"

var t0 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func sec(n int) time.Time { return t0.Add(time.Duration(n) * time.Second) }

type fixture struct {
	gw      *Gateway
	keys    *storage.KeyStore
	limiter *ratelimit.Limiter
	stats   *ratelimit.MemoryStatsStore
	key     *models.APIKey
}

func newFixture(t *testing.T, quota int) fixture {
	t.Helper()
	keys := storage.NewKeyStore("")
	key, err := keys.Import(testKey, "K1", quota)
	require.NoError(t, err)

	limiter := ratelimit.New(ratelimit.Options{Window: time.Hour, DefaultQuota: 1000})
	stats := ratelimit.NewMemoryStatsStore(ratelimit.WithTrackKeys(true))
	gw := New(keys, limiter, validator.Default(), WithStats(stats))
	return fixture{gw: gw, keys: keys, limiter: limiter, stats: stats, key: key}
}

func chatBody(budget string) []byte {
	return []byte(`{"message":"hello","thinking_budget":` + budget + `}`)
}

func TestAdmit_UnknownKeyIsUnauthorizedRegardlessOfPayload(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	for _, body := range [][]byte{chatBody("5"), chatBody("-1"), []byte("not json"), nil} {
		out := f.gw.AdmitBody(ctx, "sk-unknown", validator.EndpointChat, body, sec(0))
		assert.Equal(t, Unauthorized, out.Kind)
		assert.Nil(t, out.Key)
		assert.Nil(t, out.Quota)
	}
	out := f.gw.AdmitBody(ctx, "", validator.EndpointChat, chatBody("5"), sec(0))
	assert.Equal(t, Unauthorized, out.Kind)

	// unauthenticated traffic never touches the limiter
	assert.Equal(t, 0, f.limiter.Len())
	assert.EqualValues(t, 5, f.stats.Total()["unauthorized"])
}

func TestAdmit_RevokedKeyIsUnauthorized(t *testing.T) {
	f := newFixture(t, 2)
	_, err := f.keys.Revoke(f.key.ID)
	require.NoError(t, err)

	out := f.gw.AdmitBody(context.Background(), testKey, validator.EndpointChat, chatBody("5"), sec(0))
	assert.Equal(t, Unauthorized, out.Kind)
}

func TestAdmit_QuotaScenario(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	out := f.gw.AdmitBody(ctx, testKey, validator.EndpointChat, chatBody("5"), sec(0))
	require.Equal(t, Admitted, out.Kind)
	assert.Equal(t, 1, out.Quota.Remaining)
	assert.Equal(t, "hello", out.Payload["message"])

	out = f.gw.AdmitBody(ctx, testKey, validator.EndpointChat, chatBody("5"), sec(1))
	require.Equal(t, Admitted, out.Kind)

	out = f.gw.AdmitBody(ctx, testKey, validator.EndpointChat, chatBody("5"), sec(2))
	require.Equal(t, RateLimited, out.Kind)
	assert.Equal(t, 3598*time.Second, out.RetryAfter())
	assert.Equal(t, 2, out.Quota.Limit)
}

func TestAdmit_WindowExpiryAdmitsAgain(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	require.Equal(t, Admitted, f.gw.AdmitBody(ctx, testKey, validator.EndpointChat, chatBody("5"), sec(0)).Kind)
	require.Equal(t, RateLimited, f.gw.AdmitBody(ctx, testKey, validator.EndpointChat, chatBody("5"), sec(60)).Kind)

	out := f.gw.AdmitBody(ctx, testKey, validator.EndpointChat, chatBody("5"), sec(3601))
	require.Equal(t, Admitted, out.Kind)
	assert.Equal(t, 1, f.limiter.Snapshot(f.key.ID, 1, sec(3601)).Count)
}

func TestAdmit_RateLimitRunsBeforeValidation(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	require.Equal(t, Admitted, f.gw.AdmitBody(ctx, testKey, validator.EndpointChat, chatBody("5"), sec(0)).Kind)

	out := f.gw.AdmitBody(ctx, testKey, validator.EndpointChat, []byte("{broken"), sec(1))
	assert.Equal(t, RateLimited, out.Kind)
}

func TestAdmit_InvalidPayload(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	out := f.gw.AdmitBody(ctx, testKey, validator.EndpointChat, chatBody("10001"), sec(0))
	require.Equal(t, Invalid, out.Kind)
	assert.Equal(t, "thinking_budget", out.Field)
	assert.NotEmpty(t, out.Reason)
	require.NotNil(t, out.Quota)
	assert.Equal(t, 9, out.Quota.Remaining)

	out = f.gw.AdmitBody(ctx, testKey, validator.EndpointChat, []byte("[]"), sec(1))
	require.Equal(t, Invalid, out.Kind)
	assert.Equal(t, "", out.Field)
	assert.Equal(t, validator.ErrNotObject.Error(), out.Reason)

	out = f.gw.Admit(ctx, testKey, validator.EndpointChat, validator.Payload{"message": "x", "thinking_budget": 10000}, sec(2))
	assert.Equal(t, Admitted, out.Kind)
}

func TestAdmit_ConcurrentRequestsSingleKey(t *testing.T) {
	const n = 64
	f := newFixture(t, n-1)

	var admitted, limited atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			out := f.gw.AdmitBody(context.Background(), testKey, validator.EndpointStats, nil, sec(0))
			switch out.Kind {
			case Admitted:
				admitted.Add(1)
			case RateLimited:
				limited.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, n-1, admitted.Load())
	assert.EqualValues(t, 1, limited.Load())
	assert.EqualValues(t, n-1, f.stats.Key(f.key.ID)["admitted"])
}

type panickingValidator struct{}

func (panickingValidator) Validate(validator.Endpoint, validator.Payload) validator.Result {
	panic("rule table corrupted")
}

func TestAdmit_PanicBecomesInternalFault(t *testing.T) {
	f := newFixture(t, 5)
	gw := New(f.keys, f.limiter, panickingValidator{}, WithStats(f.stats))

	out := gw.AdmitBody(context.Background(), testKey, validator.EndpointChat, chatBody("1"), sec(0))
	assert.Equal(t, InternalFault, out.Kind)
	assert.ErrorContains(t, out.Err, "rule table corrupted")
	assert.EqualValues(t, 1, f.stats.Total()["internal_fault"])

	require.NotNil(t, out.Key)
	assert.Equal(t, f.key.ID, out.Key.ID)
	assert.EqualValues(t, 1, f.stats.Key(f.key.ID)["internal_fault"])
}

func TestAdmit_ZeroTimeIsInternalFault(t *testing.T) {
	f := newFixture(t, 5)
	out := f.gw.AdmitBody(context.Background(), testKey, validator.EndpointChat, chatBody("1"), time.Time{})
	assert.Equal(t, InternalFault, out.Kind)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "admitted", Admitted.String())
	assert.Equal(t, "rate_limited", RateLimited.String())
	assert.Equal(t, "internal_fault", InternalFault.String())
}
