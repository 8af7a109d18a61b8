// Package pgstore implements the store interfaces on PostgreSQL. Signals and
// users are plain tables with JSONB documents; the change feed is an outbox
// table filled by triggers and announced over LISTEN/NOTIFY.
package pgstore

import (
	"context"
	_ "embed"
	"strings"
	"time"

	"relay/internal/errors"
	"relay/internal/schema"
	"relay/internal/store"
	"relay/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	Channel = "trade_signal_events"

	defaultBatch       = 256
	defaultIdleRecheck = 5 * time.Second
)

//go:embed schema.sql
var schemaSQL string

var (
	_ store.SignalStore  = (*Store)(nil)
	_ store.UserStore    = (*Store)(nil)
	_ store.OutcomeStore = (*Store)(nil)
)

type Option struct {
	// Batch bounds how many events one feed query reads.
	Batch int
	// IdleRecheck re-reads the outbox when no notification arrived, covering
	// notifications lost across a reconnect.
	IdleRecheck time.Duration
}

type Store struct {
	db   *gorm.DB
	pool *pgxpool.Pool
	opt  Option
}

func New(db *gorm.DB, pool *pgxpool.Pool, opt Option) *Store {
	if opt.Batch <= 0 {
		opt.Batch = defaultBatch
	}
	if opt.IdleRecheck <= 0 {
		opt.IdleRecheck = defaultIdleRecheck
	}
	return &Store{db: db, pool: pool, opt: opt}
}

// Migrate applies the embedded schema. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return nil
}

func (s *Store) EligibleUsers(ctx context.Context, strategy string) ([]store.UserRecord, error) {
	var rows []userRow
	err := s.db.WithContext(ctx).
		Where("approved AND api_verified AND active").
		Where("lower(subscriptions -> ? ->> 'status') = ?", strategy, schema.SubscriptionStatusActive).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(exception.ErrStoreUnavailable, "query users for %s: %v", strategy, err)
	}

	out := make([]store.UserRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (s *Store) InsertSignal(ctx context.Context, signal schema.TradeSignal) error {
	if signal.ID == "" {
		return errors.Wrap(exception.ErrStoreInvalidRecord, "empty signal id")
	}
	if signal.Status == "" {
		signal.Status = schema.SignalStatusActive
	}
	if signal.CreatedAt.IsZero() {
		signal.CreatedAt = time.Now().UTC()
	}

	row := newSignalRow(signal)
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "insert signal %s", signal.ID)
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(exception.ErrStoreDuplicate, "signal %s", signal.ID)
	}
	return nil
}

func (s *Store) Signal(ctx context.Context, id string) (schema.TradeSignal, error) {
	var row signalRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return schema.TradeSignal{}, errors.Wrapf(exception.ErrStoreNotFound, "signal %s", id)
	}
	if err != nil {
		return schema.TradeSignal{}, errors.Wrapf(err, "load signal %s", id)
	}
	return row.signal(), nil
}

// SetUserStatus rewrites one key of the user_status document in place.
func (s *Store) SetUserStatus(ctx context.Context, signalID, userID string, status schema.UserSignalStatus) error {
	doc, err := sonic.Marshal(status)
	if err != nil {
		return errors.Wrap(err, "marshal user status")
	}

	result := s.db.WithContext(ctx).Exec(
		`UPDATE trade_signals
		   SET user_status = jsonb_set(coalesce(user_status, '{}'::jsonb), ARRAY[?]::text[], ?::jsonb, true)
		 WHERE id = ?`,
		userID, string(doc), signalID,
	)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "set user status %s/%s", signalID, userID)
	}
	if result.RowsAffected == 0 {
		return errors.Wrapf(exception.ErrStoreNotFound, "signal %s", signalID)
	}
	return nil
}

func (s *Store) CancelSignal(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Model(&signalRow{}).
		Where("id = ? AND lower(status) <> ?", id, strings.ToLower(string(schema.SignalStatusCancelled))).
		Update("status", string(schema.SignalStatusCancelled))
	if result.Error != nil {
		return errors.Wrapf(result.Error, "cancel signal %s", id)
	}
	if result.RowsAffected == 0 {
		if _, err := s.Signal(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// UpsertOutcome locks the stored row, merges, and writes only a forward
// transition.
func (s *Store) UpsertOutcome(ctx context.Context, outcome schema.OrderOutcome) (bool, error) {
	if outcome.UserID == "" || outcome.OrderID == "" {
		return false, errors.Wrap(exception.ErrStoreInvalidRecord, "outcome without user or order id")
	}

	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored outcomeRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND order_id = ?", outcome.UserID, outcome.OrderID).
			Take(&stored).Error
		exists := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		merged, write := store.MergeOutcome(stored.outcome(), exists, outcome)
		if !write {
			return nil
		}
		if merged.UpdatedAt.IsZero() {
			merged.UpdatedAt = time.Now().UTC()
		}

		row := newOutcomeRow(merged)
		if !exists {
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
			if result.Error != nil {
				return result.Error
			}
			// lost an insert race; the winner's record stands
			applied = result.RowsAffected > 0
			return nil
		}

		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, errors.Wrapf(err, "upsert outcome %s/%s", outcome.UserID, outcome.OrderID)
	}
	return applied, nil
}

func (s *Store) Outcome(ctx context.Context, userID, orderID string) (schema.OrderOutcome, bool, error) {
	var row outcomeRow
	err := s.db.WithContext(ctx).Where("user_id = ? AND order_id = ?", userID, orderID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return schema.OrderOutcome{}, false, nil
	}
	if err != nil {
		return schema.OrderOutcome{}, false, errors.Wrapf(err, "load outcome %s/%s", userID, orderID)
	}
	return row.outcome(), true, nil
}

func (s *Store) OutcomesBySignal(ctx context.Context, signalID string) ([]schema.OrderOutcome, error) {
	var rows []outcomeRow
	err := s.db.WithContext(ctx).Where("signal_id = ?", signalID).Order("user_id, order_id").Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "list outcomes of %s", signalID)
	}
	out := make([]schema.OrderOutcome, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.outcome())
	}
	return out, nil
}

// Subscribe delivers outbox events after the cursor, then waits on
// LISTEN for more. It returns when ctx ends, the handler fails, or the
// listening connection breaks.
func (s *Store) Subscribe(ctx context.Context, after int64, handle store.SignalHandler) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return errors.Wrapf(exception.ErrConnectionClose, "acquire listener: %v", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return errors.Wrapf(exception.ErrConnectionClose, "listen: %v", err)
	}

	next := after
	for {
		n, err := s.drain(ctx, &next, handle)
		if err != nil {
			return err
		}
		if n == s.opt.Batch {
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, s.opt.IdleRecheck)
		_, err = conn.Conn().WaitForNotification(waitCtx)
		cancel()
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
		default:
			return errors.Wrapf(exception.ErrConnectionClose, "wait notification: %v", err)
		}
	}
}

func (s *Store) drain(ctx context.Context, next *int64, handle store.SignalHandler) (int, error) {
	var events []eventRow
	err := s.db.WithContext(ctx).
		Where("seq > ?", *next).
		Order("seq").
		Limit(s.opt.Batch).
		Find(&events).Error
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, errors.Wrapf(exception.ErrConnectionClose, "read events: %v", err)
	}

	for _, ev := range events {
		kind := ev.kind()
		if kind == store.SignalEventUnknown {
			logs.Warnf("skip signal event seq=%d kind=%s", ev.Seq, ev.Kind)
			*next = ev.Seq
			continue
		}

		signal, err := s.Signal(ctx, ev.SignalID)
		if errors.Is(err, exception.ErrStoreNotFound) {
			logs.Warnf("skip signal event seq=%d signal=%s, signal missing", ev.Seq, ev.SignalID)
			*next = ev.Seq
			continue
		}
		if err != nil {
			return 0, errors.Wrapf(exception.ErrConnectionClose, "load event signal: %v", err)
		}

		if err := handle(ctx, store.SignalEvent{Cursor: ev.Seq, Kind: kind, Signal: signal}); err != nil {
			return 0, err
		}
		*next = ev.Seq
	}
	return len(events), nil
}
