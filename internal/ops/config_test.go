package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"relay/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `{
  "postgres": {"host": "db", "user": "relay", "database": "relay", "maxConns": 8, "idleRecheck": "3s"},
  "kafka": {"brokers": ["k1:9092", " "], "topic": "order-outcomes", "writeTimeout": 2},
  "registry": {"ttl": "2m"},
  "risk": {
    "symbols": {"ethusdt": {"qtyPrecision": 3, "minQty": "0.001"}},
    "defaultPrecision": 4,
    "minMargin": "5"
  },
  "rateLimit": {"global": 100, "perUser": 5},
  "dispatch": {"placeAttempts": 4, "backoffMin": "50ms"},
  "confirm": {"pollDelay": "1s", "maxPolls": 5},
  "governor": {"heapLimitMb": 512},
  "brokers": {"paper": true}
}`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	l, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "db", l.Postgres.Host)
	assert.Equal(t, 5432, l.Postgres.Port)
	assert.Equal(t, int32(8), l.Postgres.MaxConns)
	assert.Equal(t, 3*time.Second, l.PgStore.IdleRecheck)
	assert.True(t, l.Migrate)

	require.NotNil(t, l.Kafka)
	assert.Equal(t, []string{"k1:9092"}, l.Kafka.Brokers)
	assert.Equal(t, 2*time.Second, l.Kafka.WriteTimeout)
	assert.Nil(t, l.Redis)
	assert.Nil(t, l.Pyroscope)

	assert.Equal(t, 2*time.Minute, l.Registry.TTL)
	assert.Equal(t, int32(4), l.Risk.DefaultPrecision)
	assert.True(t, l.Risk.MinMargin.Equal(decimal.NewFromInt(5)))
	rule, ok := l.Risk.Symbols["ETHUSDT"]
	require.True(t, ok)
	assert.Equal(t, "0.001", rule.MinQty.String())

	assert.Equal(t, int64(100), l.RateLimit.Global)
	assert.Equal(t, time.Minute, l.SweepEvery)
	assert.Equal(t, 4, l.Dispatch.PlaceAttempts)
	assert.Equal(t, 50*time.Millisecond, l.Dispatch.PlaceBackoff.Min)
	assert.Equal(t, 5, l.Confirm.MaxPolls)
	assert.Equal(t, uint64(512<<20), l.Governor.HeapLimit)
	assert.True(t, l.PaperBroker)
}

func TestEnvOverridesFile(t *testing.T) {
	l, err := load([]byte(sample), map[string]string{
		"RELAY_PG_PASSWORD":           "secret",
		"RELAY_PG_MIGRATE":            "false",
		"RELAY_REDIS_ADDR":            "cache:6379",
		"RELAY_RATELIMIT_PER_USER":    "2",
		"RELAY_CONFIRM_POLL_INTERVAL": "250ms",
		"RELAY_RISK_MIN_MARGIN":       "7.5",
		"RELAY_KAFKA_BROKERS":         "a:1,b:2",
		"RELAY_PYROSCOPE_SERVER":      "http://pyroscope:4040",
	})
	require.NoError(t, err)

	assert.Equal(t, "secret", l.Postgres.Password)
	assert.False(t, l.Migrate)
	require.NotNil(t, l.Redis)
	assert.Equal(t, "cache:6379", l.Redis.Addr)
	assert.Equal(t, int64(2), l.RateLimit.PerUser)
	assert.Equal(t, 250*time.Millisecond, l.Confirm.PollInterval)
	assert.Equal(t, "7.5", l.Risk.MinMargin.String())
	assert.Equal(t, []string{"a:1", "b:2"}, l.Kafka.Brokers)
	require.NotNil(t, l.Pyroscope)
	assert.Equal(t, "relay", l.Pyroscope.App)
}

func TestEnvOnly(t *testing.T) {
	l, err := load(nil, map[string]string{
		"RELAY_PG_DSN": "postgres://relay@db/relay",
	})
	require.NoError(t, err)
	assert.Equal(t, "postgres://relay@db/relay", l.Postgres.ConnString)
	assert.Equal(t, int32(3), l.Risk.DefaultPrecision)
	assert.False(t, l.PaperBroker)
	assert.Nil(t, l.Kafka)
}

func TestValidation(t *testing.T) {
	testCases := []struct {
		name string
		data string
	}{
		{"no postgres", `{}`},
		{"no database", `{"postgres": {"host": "db"}}`},
		{"kafka without topic", `{"postgres": {"dsn": "x"}, "kafka": {"brokers": ["k:1"]}}`},
		{"per user above global", `{"postgres": {"dsn": "x"}, "rateLimit": {"global": 2, "perUser": 3}}`},
		{"negative precision", `{"postgres": {"dsn": "x"}, "risk": {"defaultPrecision": -1}}`},
		{"negative attempts", `{"postgres": {"dsn": "x"}, "dispatch": {"placeAttempts": -1}}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load([]byte(tc.data), map[string]string{})
			assert.ErrorIs(t, err, exception.ErrInvalidArgument)
		})
	}
}

func TestBadDuration(t *testing.T) {
	_, err := load([]byte(`{"postgres": {"dsn": "x"}, "registry": {"ttl": "soon"}}`), map[string]string{})
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
