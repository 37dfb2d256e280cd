package signing

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/telemetry"
)

// clock — управляемые часы для тестов ротации
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, dir string, opts ...Option) *Service {
	t.Helper()
	store, err := NewFileKeyStore(dir)
	require.NoError(t, err)
	svc, err := NewService(store, Config{}, nil, zap.NewNop(), opts...)
	require.NoError(t, err)
	return svc
}

func mustHash(t *testing.T, event map[string]any) []byte {
	t.Helper()
	h, err := ComputeEventHash(event)
	require.NoError(t, err)
	return h
}

func TestSignVerifyRoundTrip(t *testing.T) {
	svc := newTestService(t, t.TempDir())
	hash := mustHash(t, map[string]any{"id": "e1", "name": "verdict.allow"})

	sig, err := svc.SignEvent(hash)
	require.NoError(t, err)
	assert.Equal(t, svc.CurrentKeyID(), sig.KeyID)
	assert.NotEmpty(t, sig.Token)

	require.NoError(t, svc.VerifySignature(hash, sig.Token, sig.KeyID))
}

func TestVerifyFailures(t *testing.T) {
	svc := newTestService(t, t.TempDir())
	hash := mustHash(t, map[string]any{"id": "e1"})
	other := mustHash(t, map[string]any{"id": "e2"})

	sig, err := svc.SignEvent(hash)
	require.NoError(t, err)
	firstKey := sig.KeyID

	require.NoError(t, svc.RotateKeys())
	fresh, err := svc.SignEvent(hash)
	require.NoError(t, err)

	tests := []struct {
		name  string
		hash  []byte
		token string
		keyID string
		want  error
	}{
		{"payload mismatch", other, sig.Token, firstKey, ErrPayloadMismatch},
		{"wrong key", hash, fresh.Token, firstKey, ErrInvalidSignature},
		{"unknown key", hash, sig.Token, "key_00000000000000000001", ErrUnknownKeyID},
		{"malformed token", hash, "not-a-token", firstKey, ErrVerificationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.VerifySignature(tt.hash, tt.token, tt.keyID)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.want.Error(), ErrorCode(err))
		})
	}
}

func TestRotationRetainsThreeKeys(t *testing.T) {
	dir := t.TempDir()
	svc := newTestService(t, dir)
	hash := mustHash(t, map[string]any{"id": "e1"})

	sig, err := svc.SignEvent(hash)
	require.NoError(t, err)
	first := sig.KeyID

	// Второй и третий ключ: первый еще в окне хранения
	for i := 0; i < 2; i++ {
		require.NoError(t, svc.RotateKeys())
		assert.NotEqual(t, first, svc.CurrentKeyID())
		require.NoError(t, svc.VerifySignature(hash, sig.Token, first))
	}
	assert.Len(t, svc.RetainedKeyIDs(), 3)

	// Четвертый ключ вытесняет первый
	require.NoError(t, svc.RotateKeys())
	require.ErrorIs(t, svc.VerifySignature(hash, sig.Token, first), ErrUnknownKeyID)

	ids := svc.RetainedKeyIDs()
	require.Len(t, ids, 3)
	assert.Equal(t, svc.CurrentKeyID(), ids[2])
	assert.NoFileExists(t, filepath.Join(dir, first+".json"))
	for _, id := range ids {
		assert.FileExists(t, filepath.Join(dir, id+".json"))
	}
}

func TestKeyIDsStrictlyIncrease(t *testing.T) {
	frozen := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	svc := newTestService(t, t.TempDir(), WithClock(frozen.Now))

	prev := svc.CurrentKeyID()
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.RotateKeys())
		cur := svc.CurrentKeyID()
		assert.Greater(t, cur, prev)
		prev = cur
	}
}

func TestReloadFromDisk(t *testing.T) {
	dir := t.TempDir()
	first := newTestService(t, dir)
	require.NoError(t, first.RotateKeys())

	hash := mustHash(t, map[string]any{"id": "e1"})
	sig, err := first.SignEvent(hash)
	require.NoError(t, err)

	second := newTestService(t, dir)
	assert.Equal(t, first.CurrentKeyID(), second.CurrentKeyID())
	assert.Equal(t, first.RetainedKeyIDs(), second.RetainedKeyIDs())
	require.NoError(t, second.VerifySignature(hash, sig.Token, sig.KeyID))

	// Новый процесс продолжает последовательность key_id
	require.NoError(t, second.RotateKeys())
	assert.Greater(t, second.CurrentKeyID(), sig.KeyID)
}

func TestStartupFailsOnCorruptKeyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "key_00000000000000000042.json"), []byte("{"), 0o600))

	store, err := NewFileKeyStore(dir)
	require.NoError(t, err)
	_, err = NewService(store, Config{}, nil, zap.NewNop())
	require.Error(t, err)
}

func TestAutomaticRotation(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	svc := newTestService(t, t.TempDir(), WithClock(c.Now))
	initial := svc.CurrentKeyID()

	c.Advance(29 * 24 * time.Hour)
	rotated, err := svc.CheckRotation()
	require.NoError(t, err)
	assert.False(t, rotated)
	assert.Equal(t, initial, svc.CurrentKeyID())

	c.Advance(2 * 24 * time.Hour)
	rotated, err = svc.CheckRotation()
	require.NoError(t, err)
	assert.True(t, rotated)
	assert.NotEqual(t, initial, svc.CurrentKeyID())

	// Новый ключ свежий: повторной ротации нет
	rotated, err = svc.CheckRotation()
	require.NoError(t, err)
	assert.False(t, rotated)
}

func TestConcurrentVerifyDuringRotation(t *testing.T) {
	svc := newTestService(t, t.TempDir())
	hash := mustHash(t, map[string]any{"id": "e1"})
	sig, err := svc.SignEvent(hash)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8*100)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if err := svc.VerifySignature(hash, sig.Token, sig.KeyID); err != nil {
					errs <- err
				}
				if _, err := svc.SignEvent(hash); err != nil {
					errs <- err
				}
			}
		}()
	}

	// Две ротации подряд: исходный ключ остается в окне из трех
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.RotateKeys(); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	assert.Len(t, svc.RetainedKeyIDs(), 3)
}

func TestSigningMetrics(t *testing.T) {
	m := telemetry.NewMetrics(prometheus.NewRegistry())
	store, err := NewFileKeyStore(t.TempDir())
	require.NoError(t, err)
	svc, err := NewService(store, Config{Retained: 2}, m, zap.NewNop())
	require.NoError(t, err)

	hash := mustHash(t, map[string]any{"id": "e1"})
	sig, err := svc.SignEvent(hash)
	require.NoError(t, err)
	require.NoError(t, svc.VerifySignature(hash, sig.Token, sig.KeyID))
	_ = svc.VerifySignature(hash, sig.Token, "key_missing")
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.RotateKeys())
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SigningOps.WithLabelValues("sign", telemetry.ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SigningOps.WithLabelValues("verify", telemetry.ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SigningOps.WithLabelValues("verify", "unknown_key_id")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SigningOps.WithLabelValues("rotate", telemetry.ResultOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RetainedKeys))
}

func TestNewServiceWithoutLogger(t *testing.T) {
	store, err := NewFileKeyStore(t.TempDir())
	require.NoError(t, err)
	svc, err := NewService(store, Config{}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, svc.RotateKeys())
	assert.Len(t, svc.RetainedKeyIDs(), 2)
}
