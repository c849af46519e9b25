package keys

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/filevault/filevault/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUnlock_PasswordOnly(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)
	want := append([]byte(nil), key.Bytes()...)

	m := &Manager{}
	blob, err := m.Lock(key, "correct horse", nil)
	require.NoError(t, err)
	assert.False(t, blob.TokenRequired)
	assert.NotContains(t, string(blob.Wrapped), string(want))

	got, err := m.Unlock(context.Background(), blob, "correct horse", nil)
	require.NoError(t, err)
	assert.Equal(t, want, got.Bytes())
}

func TestUnlock_WrongPassword(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	m := &Manager{}
	blob, err := m.Lock(key, "right", nil)
	require.NoError(t, err)

	got, err := m.Unlock(context.Background(), blob, "wrong", nil)
	require.Error(t, err)
	assert.Nil(t, got)
	assert.True(t, apperrors.IsType(err, apperrors.TypeAuth))
}

func TestLockUnlock_WithToken(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)
	want := append([]byte(nil), key.Bytes()...)

	tok := NewFileToken([]byte("provisioned-secret"))
	m := &Manager{Tokens: tok}

	blob, err := m.Lock(key, "pw", tok)
	require.NoError(t, err)
	assert.True(t, blob.TokenRequired)

	got, err := m.Unlock(context.Background(), blob, "pw", tok)
	require.NoError(t, err)
	assert.Equal(t, want, got.Bytes())

	// Same password, different token secret: the KDF input differs.
	other := NewFileToken([]byte("different-secret"))
	_, err = (&Manager{Tokens: other}).Unlock(context.Background(), blob, "pw", other)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeAuth))
}

func TestUnlock_TokenMissing(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	tok := NewFileToken([]byte("secret"))
	m := &Manager{Tokens: tok}
	blob, err := m.Lock(key, "pw", tok)
	require.NoError(t, err)

	_, err = m.Unlock(context.Background(), blob, "pw", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeToken))
}

type countDetector int

func (d countDetector) Detect() (int, error) { return int(d), nil }

func TestUnlock_TokenCount(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	tok := NewFileToken([]byte("secret"))
	blob, err := (&Manager{}).Lock(key, "pw", tok)
	require.NoError(t, err)

	for _, n := range []int{0, 2} {
		m := &Manager{Tokens: countDetector(n)}
		_, err := m.Unlock(context.Background(), blob, "pw", tok)
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.TypeToken), "count %d", n)
	}
}

type stalledToken struct{}

func (stalledToken) Challenge(ctx context.Context, payload []byte) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledToken) Detect() (int, error) { return 1, nil }

func TestUnlock_TokenUnresponsive(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	tok := NewFileToken([]byte("secret"))
	blob, err := (&Manager{}).Lock(key, "pw", tok)
	require.NoError(t, err)

	m := &Manager{Tokens: stalledToken{}, TokenWait: 20 * time.Millisecond}
	start := time.Now()
	_, err = m.Unlock(context.Background(), blob, "pw", stalledToken{})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeToken))
	assert.Less(t, time.Since(start), 2*time.Second, "bounded wait, not a hang")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestKey_CloseZeroizes(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	raw := key.Bytes()
	require.Len(t, raw, KeySize)

	key.Close()
	assert.Nil(t, key.Bytes())
	for _, b := range raw {
		assert.Zero(t, b)
	}

	key.Close() // idempotent
}

func TestBlob_SaveLoad(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	m := &Manager{}
	blob, err := m.Lock(key, "pw", nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "state", "keystore.json")
	require.NoError(t, SaveBlob(path, blob))

	loaded, err := LoadBlob(path)
	require.NoError(t, err)
	assert.Equal(t, blob.Wrapped, loaded.Wrapped)
	assert.Equal(t, blob.Salt, loaded.Salt)
	assert.Equal(t, blob.Iterations, loaded.Iterations)

	_, err = LoadBlob(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.TypeResource))
}
