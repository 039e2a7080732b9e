package settings

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapKV map[string]string

func (m mapKV) Setting(_ context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m mapKV) PutSetting(_ context.Context, key, value string) error {
	m[key] = value
	return nil
}

func (m mapKV) DeleteSetting(_ context.Context, key string) error {
	delete(m, key)
	return nil
}

func cheap() Option { return WithScryptParams(1<<10, 8, 1) }

func TestPinRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := mapKV{}
	s := New(kv, "passphrase", cheap())

	_, ok, err := s.LoadPin(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SavePin(ctx, "2468"))
	assert.NotContains(t, kv[pinKey], "2468")

	pin, ok, err := s.LoadPin(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2468", pin)

	require.NoError(t, s.ClearPin(ctx))
	_, ok, err = s.LoadPin(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	kv := mapKV{}
	require.NoError(t, New(kv, "right", cheap()).SavePin(ctx, "2468"))

	_, _, err := New(kv, "wrong", cheap()).LoadPin(ctx)
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestRejectsFutureVersion(t *testing.T) {
	ctx := context.Background()
	kv := mapKV{}
	s := New(kv, "p", cheap())
	require.NoError(t, s.SavePin(ctx, "1"))

	kv[pinKey] = strings.Replace(kv[pinKey], `"v":2`, `"v":9`, 1)
	_, _, err := s.LoadPin(ctx)
	assert.ErrorContains(t, err, "unsupported")
}

func TestSealedValueIsBoundToItsName(t *testing.T) {
	ctx := context.Background()
	kv := mapKV{}
	s := New(kv, "p", cheap())
	require.NoError(t, s.SavePin(ctx, "2468"))

	pt, err := s.open(pinKey, []byte(kv[pinKey]))
	require.NoError(t, err)
	assert.Equal(t, "2468", string(pt))

	_, err = s.open("pin.previous", []byte(kv[pinKey]))
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	first := kv[pinKey]
	require.NoError(t, s.SavePin(ctx, "2468"))
	assert.NotEqual(t, first, kv[pinKey])
}

func TestPinTimeout(t *testing.T) {
	ctx := context.Background()
	kv := mapKV{}
	s := New(kv, "p", cheap())

	_, ok, err := s.PinTimeout(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetPinTimeout(ctx, -1))
	minutes, ok, err := s.PinTimeout(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, -1, minutes)

	kv[timeoutKey] = "soon"
	_, _, err = s.PinTimeout(ctx)
	assert.Error(t, err)
}
