package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_OverridesOnlyGivenFields(t *testing.T) {
	cfg := Default()
	raw := []byte(`
http_addr: ":9090"
lock:
  ttl: 15s
idempotency:
  order_ttl: 48h
kafka:
  brokers: ["k1:9092", "k2:9092"]
`)
	require.NoError(t, Parse(raw, &cfg))

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 15*time.Second, cfg.Lock.TTL)
	assert.Equal(t, 48*time.Hour, cfg.Idempotency.OrderTTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)

	// untouched defaults survive
	assert.Equal(t, 5, cfg.Lock.RetryAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.WebhookTTL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("MYSQL_DSN", "u:p@tcp(db:3306)/x?parseTime=true")
	t.Setenv("KAFKA_BROKERS", "a:1,b:2")
	t.Setenv("LOCK_TTL", "45s")
	t.Setenv("RECONCILER_WORKERS", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "u:p@tcp(db:3306)/x?parseTime=true", cfg.MySQL.DSN)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Kafka.Brokers)
	assert.Equal(t, 45*time.Second, cfg.Lock.TTL)
	assert.Equal(t, 3, cfg.Reconciler.Workers)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Lock.TTL = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Reconciler.Workers = 0
	assert.Error(t, cfg.Validate())
}

func TestParse_Invalid(t *testing.T) {
	cfg := Default()
	assert.Error(t, Parse([]byte("lock: [unterminated"), &cfg))
}
