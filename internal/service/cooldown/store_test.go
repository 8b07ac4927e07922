package cooldown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/repository"
)

type brokenKV struct{}

func (brokenKV) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("db down")
}

func (brokenKV) Set(context.Context, string, string) error {
	return errors.New("db down")
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := repository.NewMemoryKV()
	s := NewStore(kv, zap.NewNop())

	assert.True(t, s.LastPosted(ctx, "hook").IsZero())

	at := time.UnixMilli(1_700_000_000_123)
	s.Touch(ctx, "hook", at)
	assert.True(t, at.Equal(s.LastPosted(ctx, "hook")))

	raw, ok, err := kv.Get(ctx, "lastPosted:hook")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1700000000123", raw)

	assert.True(t, s.LastPosted(ctx, "other").IsZero())
}

func TestStoreMalformedValue(t *testing.T) {
	ctx := context.Background()
	kv := repository.NewMemoryKV()
	require.NoError(t, kv.Set(ctx, "lastPosted:hook", "yesterday"))

	s := NewStore(kv, zap.NewNop())
	assert.True(t, s.LastPosted(ctx, "hook").IsZero())
}

func TestStoreBackendFailure(t *testing.T) {
	s := NewStore(brokenKV{}, zap.NewNop())
	assert.True(t, s.LastPosted(context.Background(), "hook").IsZero())
	assert.NotPanics(t, func() { s.Touch(context.Background(), "hook", time.Now()) })
}
