package pin

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySecrets struct {
	mu    sync.Mutex
	pin   string
	saves int
}

func (s *memorySecrets) LoadPin(context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pin, s.pin != "", nil
}

func (s *memorySecrets) SavePin(_ context.Context, pin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pin = pin
	s.saves++
	return nil
}

func (s *memorySecrets) ClearPin(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pin = ""
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(secrets SecretStore, minutes int) (*Manager, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(secrets, func() int { return minutes }, nil)
	m.now = clock.Now
	return m, clock
}

func TestSetPinWithoutRememberClearsPersisted(t *testing.T) {
	ctx := context.Background()
	secrets := &memorySecrets{pin: "0000"}
	m, _ := newTestManager(secrets, 5)

	require.NoError(t, m.SetPin(ctx, "1234", false))

	assert.Empty(t, secrets.pin)
	assert.True(t, m.HasPin())
	pin, ok := m.GetPin(ctx)
	assert.True(t, ok)
	assert.Equal(t, "1234", pin)
}

func TestRememberIsDeferredUntilCommit(t *testing.T) {
	ctx := context.Background()
	secrets := &memorySecrets{}
	m, _ := newTestManager(secrets, 5)

	require.NoError(t, m.SetPin(ctx, "1234", true))
	assert.Empty(t, secrets.pin)

	require.NoError(t, m.CommitPending(ctx))
	assert.Equal(t, "1234", secrets.pin)

	require.NoError(t, m.CommitPending(ctx))
	assert.Equal(t, 1, secrets.saves)
}

func TestClearPinWipesBoth(t *testing.T) {
	ctx := context.Background()
	secrets := &memorySecrets{}
	m, _ := newTestManager(secrets, 5)

	require.NoError(t, m.SetPin(ctx, "1234", true))
	require.NoError(t, m.CommitPending(ctx))
	require.NoError(t, m.ClearPin(ctx))

	assert.False(t, m.HasPin())
	assert.Empty(t, secrets.pin)
	_, ok := m.GetPin(ctx)
	assert.False(t, ok)
}

func TestClearPinDropsPendingRemember(t *testing.T) {
	ctx := context.Background()
	secrets := &memorySecrets{}
	m, _ := newTestManager(secrets, 5)

	require.NoError(t, m.SetPin(ctx, "1234", true))
	require.NoError(t, m.ClearPin(ctx))
	require.NoError(t, m.CommitPending(ctx))

	assert.Zero(t, secrets.saves)
}

func TestPinExpiresLazily(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(nil, 5)

	require.NoError(t, m.SetPin(ctx, "1234", false))

	clock.Advance(5 * time.Minute)
	assert.True(t, m.HasPin(), "exactly at the timeout is still valid")

	clock.Advance(time.Millisecond)
	assert.False(t, m.HasPin())
	_, ok := m.GetPin(ctx)
	assert.False(t, ok)
}

func TestExpiredPinFallsBackToPersisted(t *testing.T) {
	ctx := context.Background()
	secrets := &memorySecrets{}
	m, clock := newTestManager(secrets, 1)

	require.NoError(t, m.SetPin(ctx, "1234", true))
	require.NoError(t, m.CommitPending(ctx))

	clock.Advance(2 * time.Minute)
	assert.False(t, m.HasPin())

	pin, ok := m.GetPin(ctx)
	assert.True(t, ok)
	assert.Equal(t, "1234", pin)
}

func TestNeverExpires(t *testing.T) {
	m, clock := newTestManager(nil, NeverExpires)

	require.NoError(t, m.SetPin(context.Background(), "1234", false))
	clock.Advance(24 * 365 * time.Hour)

	assert.True(t, m.HasPin())
}

func TestTimeoutPolicyIsReadPerCall(t *testing.T) {
	minutes := 60
	m := NewManager(nil, func() int { return minutes }, nil)
	clock := &fakeClock{t: time.Now()}
	m.now = clock.Now

	require.NoError(t, m.SetPin(context.Background(), "1234", false))
	clock.Advance(10 * time.Minute)
	assert.True(t, m.HasPin())

	minutes = 1
	assert.False(t, m.HasPin())
}

func TestConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	m := NewManager(&memorySecrets{}, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_ = m.SetPin(ctx, "1234", true)
		}()
		go func() {
			defer wg.Done()
			_, _ = m.GetPin(ctx)
		}()
		go func() {
			defer wg.Done()
			_ = m.ClearPin(ctx)
		}()
	}
	wg.Wait()
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	key := DeriveKey(FormatV2, "1234", "owner")
	iv := make([]byte, 16)
	secret := []byte("private key material that spans several blocks")

	wrapped, err := WrapKey(key, iv, secret)
	require.NoError(t, err)
	assert.Zero(t, len(wrapped)%16)

	unwrapped, err := UnwrapKey(key, iv, wrapped)
	require.NoError(t, err)
	assert.Equal(t, secret, unwrapped)
}

func TestUnwrapRejectsBadPadding(t *testing.T) {
	key := DeriveKey(FormatV1, "1234", "")
	iv := make([]byte, 16)

	// A block whose last byte is zero never carries valid PKCS#5 padding.
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	plain := make([]byte, 16)
	ct := make([]byte, 16)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, plain)

	_, err = UnwrapKey(key, iv, ct)
	assert.ErrorIs(t, err, ErrUnwrap)

	_, err = UnwrapKey(key, iv, ct[:10])
	assert.ErrorIs(t, err, ErrUnwrap)

	_, err = UnwrapKey(key, iv[:8], ct)
	assert.ErrorIs(t, err, ErrUnwrap)
}

func TestDeriveKey(t *testing.T) {
	v1 := DeriveKey(FormatV1, "1234", "owner")
	v2 := DeriveKey(FormatV2, "1234", "owner")

	assert.Len(t, v1, 32)
	assert.Equal(t, DeriveKey(FormatV1, "1234", "someone else"), v1)
	assert.Equal(t, DeriveKey(FormatV1, "1234owner", ""), v2)
	assert.NotEqual(t, v1, v2)
}

func TestParseWrappedKey(t *testing.T) {
	v1, err := ParseWrappedKey("AQID")
	require.NoError(t, err)
	assert.Equal(t, FormatV1, v1.Format)
	assert.Equal(t, []byte{1, 2, 3}, v1.Data)
	assert.Equal(t, "AQID", v1.Encode())

	v2, err := ParseWrappedKey("AQID_v2")
	require.NoError(t, err)
	assert.Equal(t, FormatV2, v2.Format)
	assert.Equal(t, []byte{1, 2, 3}, v2.Data)
	assert.Equal(t, "AQID_v2", v2.Encode())

	_, err = ParseWrappedKey("not base64!_v2")
	assert.ErrorIs(t, err, ErrBadKeyFormat)

	_, err = ParseWrappedKey("")
	assert.ErrorIs(t, err, ErrBadKeyFormat)
}
