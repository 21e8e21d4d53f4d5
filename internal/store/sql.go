package store

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgconn"

	"payverify/internal/model"
)

// Dialect selects placeholder style and error mapping for the SQL store.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQL implements Store on database/sql. Timestamps are stored as unix milliseconds
// so the same schema and queries serve Postgres and SQLite.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

const subscriptionCols = `id, merchant_id, url, events, secret, is_active, failure_count, last_triggered_at, created_at, updated_at`

const deliveryCols = `id, subscription_id, merchant_id, event_id, event_type, event_data, event_created, status, attempts,
    response_code, response_body, error_message, next_retry_at, delivered_at, created_at, updated_at`

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQL) Close() error { return s.db.Close() }

// Migrate applies the embedded schema files in name order. Statements are idempotent.
func (s *SQL) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrationFS.ReadFile(name)
		if err != nil {
			return err
		}
		for _, stmt := range strings.Split(string(b), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %s: %w", name, err)
			}
		}
	}
	return nil
}

// q rewrites ? placeholders into $n for Postgres.
func (s *SQL) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQL) CreateSubscription(ctx context.Context, sub model.Subscription) error {
	ev, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO webhook_subscriptions (`+subscriptionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`),
		sub.ID, sub.MerchantID, sub.URL, string(ev), sub.Secret, sub.IsActive, sub.FailureCount,
		nullMillis(sub.LastTriggeredAt), millis(sub.CreatedAt), millis(sub.UpdatedAt))
	return err
}

func (s *SQL) GetSubscription(ctx context.Context, id string) (model.Subscription, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+subscriptionCols+` FROM webhook_subscriptions WHERE id=?`), id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, ErrNotFound
	}
	return sub, err
}

func (s *SQL) ListSubscriptions(ctx context.Context, merchantID, cursor string, limit int) ([]model.Subscription, string, error) {
	limit = pageSize(limit)
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+subscriptionCols+` FROM webhook_subscriptions WHERE merchant_id=? AND id > ? ORDER BY id LIMIT ?`), merchantID, cursor, limit+1)
	if err != nil {
		return nil, "", err
	}
	out, err := collectSubscriptions(rows)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].ID
	}
	return out, next, nil
}

func (s *SQL) UpdateSubscription(ctx context.Context, sub model.Subscription) error {
	ev, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}
	// failure_count on the right-hand side is the stored value; only an
	// inactive to active flip resets it.
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE webhook_subscriptions SET url=?, events=?, secret=?,
		failure_count = CASE WHEN is_active THEN failure_count WHEN ? THEN 0 ELSE failure_count END,
		is_active=?, updated_at=? WHERE id=?`),
		sub.URL, string(ev), sub.Secret, sub.IsActive, sub.IsActive, millis(sub.UpdatedAt), sub.ID)
	if err != nil {
		return err
	}
	return expectRows(res)
}

func (s *SQL) DeleteSubscription(ctx context.Context, merchantID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM webhook_subscriptions WHERE id=? AND merchant_id=?`), id, merchantID)
	if err != nil {
		return err
	}
	if err := expectRows(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM webhook_deliveries WHERE subscription_id=?`), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQL) GetSubscriptionsForEvent(ctx context.Context, merchantID string, eventType model.EventType) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+subscriptionCols+` FROM webhook_subscriptions WHERE merchant_id=? AND is_active=? ORDER BY id`), merchantID, true)
	if err != nil {
		return nil, err
	}
	all, err := collectSubscriptions(rows)
	if err != nil {
		return nil, err
	}
	out := []model.Subscription{}
	for _, sub := range all {
		if sub.Subscribed(eventType) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *SQL) RecordSubscriptionAttempt(ctx context.Context, id string, success bool, at time.Time) error {
	query := `UPDATE webhook_subscriptions SET failure_count=failure_count+1, last_triggered_at=?, updated_at=? WHERE id=?`
	if success {
		query = `UPDATE webhook_subscriptions SET failure_count=0, last_triggered_at=?, updated_at=? WHERE id=?`
	}
	res, err := s.db.ExecContext(ctx, s.q(query), millis(at), millis(at), id)
	if err != nil {
		return err
	}
	return expectRows(res)
}

// Webhook deliveries
func (s *SQL) InsertDelivery(ctx context.Context, d model.DeliveryRecord) error {
	data, err := encodeData(d.EventData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO webhook_deliveries (`+deliveryCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		d.ID, d.SubscriptionID, d.MerchantID, d.EventID, string(d.EventType), data, d.EventCreated, string(d.Status), d.Attempts,
		nullInt(d.ResponseCode), d.ResponseBody, d.ErrorMessage, nullMillis(d.NextRetryAt), nullMillis(d.DeliveredAt),
		millis(d.CreatedAt), millis(d.UpdatedAt))
	return s.mapInsertErr(err)
}

func (s *SQL) GetDelivery(ctx context.Context, id string) (model.DeliveryRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+deliveryCols+` FROM webhook_deliveries WHERE id=?`), id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeliveryRecord{}, ErrNotFound
	}
	return d, err
}

func (s *SQL) UpdateDelivery(ctx context.Context, d model.DeliveryRecord) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE webhook_deliveries SET status=?, attempts=?, response_code=?, response_body=?, error_message=?,
        next_retry_at=?, delivered_at=?, claimed_until=NULL, updated_at=?
        WHERE id=? AND status <> 'delivered' AND attempts <= ?`),
		string(d.Status), d.Attempts, nullInt(d.ResponseCode), d.ResponseBody, d.ErrorMessage,
		nullMillis(d.NextRetryAt), nullMillis(d.DeliveredAt), millis(d.UpdatedAt), d.ID, d.Attempts)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM webhook_deliveries WHERE id=?`), d.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStaleDelivery
}

// ClaimDueDeliveries leases due rows with a single UPDATE ... RETURNING so two
// concurrent sweeps can never receive the same record. The outer predicate is
// re-checked by Postgres after row locks are taken.
func (s *SQL) ClaimDueDeliveries(ctx context.Context, q ClaimQuery) ([]model.DeliveryRecord, error) {
	now := millis(q.Now)
	until := millis(q.Now.Add(q.Lease))
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	rows, err := s.db.QueryContext(ctx, s.q(`UPDATE webhook_deliveries SET claimed_until=?
        WHERE id IN (
            SELECT id FROM webhook_deliveries
            WHERE status='pending' AND attempts < ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
              AND (claimed_until IS NULL OR claimed_until <= ?)
            ORDER BY next_retry_at LIMIT ?
        )
        AND status='pending' AND (claimed_until IS NULL OR claimed_until <= ?)
        RETURNING `+deliveryCols),
		until, q.MaxAttempts, now, now, limit, now)
	if err != nil {
		return nil, err
	}
	return collectDeliveries(rows)
}

func (s *SQL) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]model.DeliveryRecord, string, error) {
	limit := pageSize(f.Limit)
	where := []string{"1=1"}
	args := []any{}
	if f.MerchantID != "" {
		where = append(where, "merchant_id=?")
		args = append(args, f.MerchantID)
	}
	if f.SubscriptionID != "" {
		where = append(where, "subscription_id=?")
		args = append(args, f.SubscriptionID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Cursor != "" {
		where = append(where, "id < ?")
		args = append(args, f.Cursor)
	}
	args = append(args, limit+1)
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+deliveryCols+` FROM webhook_deliveries WHERE `+strings.Join(where, " AND ")+` ORDER BY id DESC LIMIT ?`), args...)
	if err != nil {
		return nil, "", err
	}
	out, err := collectDeliveries(rows)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].ID
	}
	return out, next, nil
}

func (s *SQL) mapInsertErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicateDelivery
		case "23503":
			return ErrNotFound
		}
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return ErrDuplicateDelivery
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return ErrNotFound
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (model.Subscription, error) {
	var (
		sub              model.Subscription
		events           string
		last             sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(&sub.ID, &sub.MerchantID, &sub.URL, &events, &sub.Secret, &sub.IsActive, &sub.FailureCount, &last, &created, &updated); err != nil {
		return model.Subscription{}, err
	}
	if err := json.Unmarshal([]byte(events), &sub.Events); err != nil {
		return model.Subscription{}, fmt.Errorf("decode events of %s: %w", sub.ID, err)
	}
	sub.LastTriggeredAt = fromNullMillis(last)
	sub.CreatedAt = fromMillis(created)
	sub.UpdatedAt = fromMillis(updated)
	return sub, nil
}

func collectSubscriptions(rows *sql.Rows) ([]model.Subscription, error) {
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func scanDelivery(row scanner) (model.DeliveryRecord, error) {
	var (
		d                       model.DeliveryRecord
		eventType, status, data string
		code                    sql.NullInt64
		nextRetry, delivered    sql.NullInt64
		created, updated        int64
	)
	if err := row.Scan(&d.ID, &d.SubscriptionID, &d.MerchantID, &d.EventID, &eventType, &data, &d.EventCreated, &status, &d.Attempts,
		&code, &d.ResponseBody, &d.ErrorMessage, &nextRetry, &delivered, &created, &updated); err != nil {
		return model.DeliveryRecord{}, err
	}
	d.EventType = model.EventType(eventType)
	d.Status = model.DeliveryStatus(status)
	m, err := decodeData(data)
	if err != nil {
		return model.DeliveryRecord{}, fmt.Errorf("decode event data of %s: %w", d.ID, err)
	}
	d.EventData = m
	if code.Valid {
		c := int(code.Int64)
		d.ResponseCode = &c
	}
	d.NextRetryAt = fromNullMillis(nextRetry)
	d.DeliveredAt = fromNullMillis(delivered)
	d.CreatedAt = fromMillis(created)
	d.UpdatedAt = fromMillis(updated)
	return d, nil
}

func collectDeliveries(rows *sql.Rows) ([]model.DeliveryRecord, error) {
	defer rows.Close()
	out := []model.DeliveryRecord{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func encodeData(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

// decodeData keeps numbers as json.Number so retries re-encode them verbatim.
func decodeData(s string) (map[string]any, error) {
	m := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func expectRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}
