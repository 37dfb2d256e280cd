package infra

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SIGNING_KEY_DIR", "/var/lib/verdict/keys")
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("AUDIT_FLUSH_INTERVAL", "2s")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/verdict/keys", cfg.Signing.KeyDir)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, ":9000", cfg.Server.Addr())
	assert.Equal(t, 2*time.Second, cfg.Audit.FlushInterval)
	assert.Equal(t, 30*24*time.Hour, cfg.Signing.RotationWindow)
	assert.Equal(t, 3, cfg.Signing.RetainedKeys)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Empty(t, cfg.Auth.PublicKeyPath)
	assert.Equal(t, "admin", cfg.Auth.AdminScope)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "configs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "config.yaml"), []byte(`
signing:
  key_dir: ./data/keys
  retained_keys: 5
policy:
  bundle_path: ./policies.yaml
ratelimit:
  rps: 50
auth:
  public_key_path: ./operator.pub
`), 0o600))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "./data/keys", cfg.Signing.KeyDir)
	assert.Equal(t, 5, cfg.Signing.RetainedKeys)
	assert.Equal(t, "./policies.yaml", cfg.Policy.BundlePath)
	assert.Equal(t, 50.0, cfg.RateLimit.RPS)
	assert.Equal(t, "./operator.pub", cfg.Auth.PublicKeyPath)
}

func TestNewLogger(t *testing.T) {
	_, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	_, err = NewLogger(LoggerConfig{Level: "info"})
	require.NoError(t, err)

	_, err = NewLogger(LoggerConfig{Level: "loud"})
	require.Error(t, err)
	_, err = NewLogger(LoggerConfig{Level: "info", Format: "xml"})
	require.Error(t, err)
}

func TestListenResilientDeliversPayloads(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	synced := make(chan struct{}, 1)
	got := make(chan string, 1)
	go ListenResilient(ctx, rdb, zap.NewNop(), RedisChanPolicyRefresh,
		func() error { synced <- struct{}{}; return nil },
		func(payload string) { got <- payload },
	)

	select {
	case <-synced:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not subscribe")
	}

	require.NoError(t, rdb.Publish(context.Background(), RedisChanPolicyRefresh, "refresh").Err())
	select {
	case p := <-got:
		assert.Equal(t, "refresh", p)
	case <-time.After(2 * time.Second):
		t.Fatal("payload not delivered")
	}
}

func TestRotationPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	sub := rdb.Subscribe(context.Background(), RedisChanKeyRotated)
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	NewRotationPublisher(rdb, zap.NewNop()).KeyringChanged("key_00000000000000000042", 2)

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "key_00000000000000000042", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("rotation not published")
	}
}

func TestRotationPublisherSurvivesRedisOutage(t *testing.T) {
	// Никто не слушает: публикация падает сразу
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { rdb.Close() })

	assert.NotPanics(t, func() {
		NewRotationPublisher(rdb, zap.NewNop()).KeyringChanged("key_1", 1)
	})
}
