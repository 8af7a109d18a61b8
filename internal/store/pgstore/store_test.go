package pgstore

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"relay/internal/schema"
	"relay/internal/store"
	"relay/pkg/conn"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaNotifiesChannel(t *testing.T) {
	assert.Contains(t, schemaSQL, "pg_notify('"+Channel+"'")
	assert.Contains(t, schemaSQL, "PRIMARY KEY (user_id, order_id)")
	assert.Contains(t, schemaSQL, "CREATE TRIGGER trade_signals_events")
}

func TestSchemaSerializesEventSeq(t *testing.T) {
	lock := strings.Index(schemaSQL, "pg_advisory_xact_lock(")
	insert := strings.Index(schemaSQL, "INSERT INTO signal_events")
	require.Positive(t, lock)
	assert.Less(t, lock, insert, "seq is taken under the lock")
}

func TestEventKind(t *testing.T) {
	assert.Equal(t, store.SignalEventInsert, eventRow{Kind: "insert"}.kind())
	assert.Equal(t, store.SignalEventCancel, eventRow{Kind: "cancel"}.kind())
	assert.Equal(t, store.SignalEventUnknown, eventRow{Kind: "update"}.kind())
}

func TestSignalRowKeepsOptionalFields(t *testing.T) {
	qty := decimal.RequireFromString("0.5")
	sig := schema.TradeSignal{ID: "s1", Strategy: "ETH Multiplier", Quantity: &qty, Price: decimal.NewFromInt(2500)}

	row := newSignalRow(sig)
	assert.True(t, row.Quantity.Valid)
	assert.False(t, row.StopLoss.Valid)
	assert.NotNil(t, row.UserStatus)

	back := row.signal()
	require.NotNil(t, back.Quantity)
	assert.True(t, qty.Equal(*back.Quantity))
	assert.Nil(t, back.Target)
}

// TestPostgres runs against a live database when RELAY_TEST_PG_DSN is set.
func TestPostgres(t *testing.T) {
	dsn := os.Getenv("RELAY_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("RELAY_TEST_PG_DSN not set")
	}

	ctx := t.Context()
	client, err := conn.New(ctx, conn.Option{ConnString: dsn})
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, Migrate(ctx, client.Pool()))

	s := New(client.DB(), client.Pool(), Option{IdleRecheck: 100 * time.Millisecond})
	id := "pgstore-test-" + strings.ReplaceAll(time.Now().Format("150405.000000"), ".", "")

	require.NoError(t, s.InsertSignal(ctx, schema.TradeSignal{ID: id, Strategy: "s", Symbol: "ETHUSDT", Side: schema.SideBuy, Price: decimal.NewFromInt(1)}))
	require.NoError(t, s.SetUserStatus(ctx, id, "u1", schema.UserSignalStatus{Status: schema.OrderStatusPlaced}))
	got, err := s.Signal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusPlaced, got.UserStatus["u1"].Status)

	out := schema.OrderOutcome{OrderID: "o-" + id, UserID: "u1", SignalID: id, Status: schema.OrderStatusFilled}
	applied, err := s.UpsertOutcome(ctx, out)
	require.NoError(t, err)
	assert.True(t, applied)
	out.Status = schema.OrderStatusPending
	applied, err = s.UpsertOutcome(ctx, out)
	require.NoError(t, err)
	assert.False(t, applied)
}

// TestPostgresEventsFollowCommitOrder needs RELAY_TEST_PG_DSN. A signal
// insert waits while another transaction holds an uncommitted one, so seq
// never runs ahead of a commit.
func TestPostgresEventsFollowCommitOrder(t *testing.T) {
	dsn := os.Getenv("RELAY_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("RELAY_TEST_PG_DSN not set")
	}

	ctx := t.Context()
	client, err := conn.New(ctx, conn.Option{ConnString: dsn})
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, Migrate(ctx, client.Pool()))
	s := New(client.DB(), client.Pool(), Option{IdleRecheck: 50 * time.Millisecond})

	var before int64
	require.NoError(t, client.DB().WithContext(ctx).Model(&eventRow{}).Select("COALESCE(MAX(seq), 0)").Scan(&before).Error)

	prefix := "pgstore-order-" + strings.ReplaceAll(time.Now().Format("150405.000000"), ".", "")
	sig := func(suffix string) schema.TradeSignal {
		return schema.TradeSignal{ID: prefix + suffix, Strategy: "s", Symbol: "ETHUSDT", Side: schema.SideBuy, Price: decimal.NewFromInt(1), Status: schema.SignalStatusActive, CreatedAt: time.Now().UTC()}
	}

	held := client.DB().WithContext(ctx).Begin()
	require.NoError(t, held.Error)
	row := newSignalRow(sig("-a"))
	require.NoError(t, held.Create(&row).Error)

	blocked, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	err = s.InsertSignal(blocked, sig("-b"))
	cancel()
	require.Error(t, err, "insert must wait for the open transaction")

	require.NoError(t, held.Commit().Error)
	require.NoError(t, s.InsertSignal(ctx, sig("-c")))

	var got []store.SignalEvent
	subCtx, stop := context.WithTimeout(ctx, 5*time.Second)
	defer stop()
	_ = s.Subscribe(subCtx, before, func(_ context.Context, ev store.SignalEvent) error {
		if strings.HasPrefix(ev.Signal.ID, prefix) {
			got = append(got, ev)
		}
		if len(got) == 2 {
			stop()
		}
		return nil
	})

	require.Len(t, got, 2)
	assert.Equal(t, prefix+"-a", got[0].Signal.ID)
	assert.Equal(t, prefix+"-c", got[1].Signal.ID)
	assert.Less(t, got[0].Cursor, got[1].Cursor)
}
