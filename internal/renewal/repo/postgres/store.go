package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/jia-app/renewalservice/internal/config"
	"github.com/jia-app/renewalservice/internal/log"
	"github.com/jia-app/renewalservice/internal/renewal/domain"
	"github.com/jia-app/renewalservice/internal/renewal/repo"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store represents the PostgreSQL store implementation
type Store struct {
	db *pgxpool.Pool
}

var _ repo.Store = (*Store)(nil)

// Open creates the connection pool, applies migrations when enabled and
// returns a ready store.
func Open(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = 2
	if poolConfig.MinConns > cfg.MaxConns {
		poolConfig.MinConns = cfg.MaxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info(ctx, "Database pool created successfully", zap.Int32("max_conns", cfg.MaxConns))

	if cfg.Migrate {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &Store{db: pool}, nil
}

// NewStoreWithPool creates a new PostgreSQL store with an existing pool
func NewStoreWithPool(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool cannot be nil")
	}
	return &Store{db: pool}, nil
}

// Migrate applies the embedded goose migrations
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Health checks the database connection
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.Ping(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		s.db.Close()
	}
	return nil
}

const subscriptionColumns = `id, status, interval_unit, interval_count, next_payment, last_payment,
	payment_method, external_ref, currency, line_items, parent_order_id, last_paid_order_id,
	suspension_count, notes, created_at, updated_at`

// Find returns subscription ids matching the filter
func (s *Store) Find(ctx context.Context, filter repo.SubscriptionFilter, limit int) ([]uuid.UUID, error) {
	const query = `
		SELECT id FROM subscriptions
		WHERE ($1::text = '' OR status = $1::text)
		  AND ($2::text = '' OR payment_method = $2::text)
		  AND ($3::text = '' OR COALESCE(external_ref, '') NOT LIKE $3::text || '%')
		  AND ($4::timestamptz IS NULL OR next_payment <= $4::timestamptz)
		  AND (NOT $6::boolean OR NOT EXISTS (
		      SELECT 1 FROM renewal_order_subscriptions l
		      JOIN renewal_orders o ON o.id = l.order_id
		      WHERE l.subscription_id = subscriptions.id
		        AND o.kind = 'renewal'
		        AND o.cycle_due = subscriptions.next_payment))
		ORDER BY next_payment ASC NULLS LAST, id
		LIMIT $5`

	rows, err := s.db.Query(ctx, query,
		string(filter.Status),
		filter.PaymentMethod,
		escapeLike(filter.ExcludeExternalRefPrefix),
		toTimestamptz(filter.NextPaymentOnOrBefore),
		pgtype.Int8{Int64: int64(limit), Valid: limit > 0},
		filter.MissingRenewalOrder,
	)
	if err != nil {
		return nil, domain.NewRecordUnavailableError("subscriptions", "query", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id pgtype.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, domain.NewRecordUnavailableError("subscriptions", "scan", err)
		}
		ids = append(ids, uuid.UUID(id.Bytes))
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewRecordUnavailableError("subscriptions", "rows", err)
	}
	return ids, nil
}

// Get retrieves a subscription by ID
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	row := s.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, toUUID(id))
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("subscription", id.String())
		}
		return nil, domain.NewRecordUnavailableError("subscription", id.String(), err)
	}
	return sub, nil
}

// Save creates or updates a subscription
func (s *Store) Save(ctx context.Context, sub *domain.Subscription) error {
	lineItems, err := json.Marshal(sub.LineItems)
	if err != nil {
		return fmt.Errorf("failed to marshal line items: %w", err)
	}
	notes, err := json.Marshal(sub.Notes)
	if err != nil {
		return fmt.Errorf("failed to marshal notes: %w", err)
	}

	const query = `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, COALESCE($15, NOW()), NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			interval_unit = EXCLUDED.interval_unit,
			interval_count = EXCLUDED.interval_count,
			next_payment = EXCLUDED.next_payment,
			last_payment = EXCLUDED.last_payment,
			payment_method = EXCLUDED.payment_method,
			external_ref = EXCLUDED.external_ref,
			currency = EXCLUDED.currency,
			line_items = EXCLUDED.line_items,
			parent_order_id = EXCLUDED.parent_order_id,
			last_paid_order_id = EXCLUDED.last_paid_order_id,
			suspension_count = EXCLUDED.suspension_count,
			notes = EXCLUDED.notes,
			updated_at = NOW()`

	_, err = s.db.Exec(ctx, query,
		toUUID(sub.ID),
		string(sub.Status),
		string(sub.Schedule.Interval.Unit),
		sub.Schedule.Interval.Count,
		toTimestamptz(sub.Schedule.NextPayment),
		toTimestamptz(sub.Schedule.LastPayment),
		sub.PaymentMethod,
		pgtype.Text{String: sub.ExternalRef, Valid: sub.ExternalRef != ""},
		sub.Currency,
		lineItems,
		toNullUUID(sub.ParentOrderID),
		toNullUUID(sub.LastPaidOrderID),
		sub.SuspensionCount,
		notes,
		toTimestamptz(sub.CreatedAt),
	)
	if err != nil {
		return domain.NewRecordUnavailableError("subscription", sub.ID.String(), err)
	}
	return nil
}

// FindByParentOrder returns the subscriptions created by a parent order
func (s *Store) FindByParentOrder(ctx context.Context, parentOrderID uuid.UUID) ([]*domain.Subscription, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE parent_order_id = $1 ORDER BY created_at`,
		toUUID(parentOrderID))
	if err != nil {
		return nil, domain.NewRecordUnavailableError("subscriptions", parentOrderID.String(), err)
	}
	defer rows.Close()

	subs := make([]*domain.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, domain.NewRecordUnavailableError("subscriptions", parentOrderID.String(), err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewRecordUnavailableError("subscriptions", parentOrderID.String(), err)
	}
	return subs, nil
}

// FindByExternalRef retrieves a subscription by its payment processor reference
func (s *Store) FindByExternalRef(ctx context.Context, paymentMethod, externalRef string) (*domain.Subscription, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE payment_method = $1 AND external_ref = $2 LIMIT 1`,
		paymentMethod, externalRef)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("subscription", externalRef)
		}
		return nil, domain.NewRecordUnavailableError("subscription", externalRef, err)
	}
	return sub, nil
}

// CreateOrder persists a new renewal order and its subscription links in one transaction
func (s *Store) CreateOrder(ctx context.Context, order *domain.RenewalOrder) error {
	if len(order.SubscriptionIDs) == 0 {
		return domain.NewInvalidInputError("renewal order must renew at least one subscription", order.ID.String())
	}

	lineItems, err := json.Marshal(order.LineItems)
	if err != nil {
		return fmt.Errorf("failed to marshal line items: %w", err)
	}

	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO renewal_orders (id, kind, status, amount_cents, currency, line_items, cycle_due, replaces_order_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()), NOW())`,
			toUUID(order.ID),
			string(order.Kind),
			string(order.Status),
			order.AmountCents,
			order.Currency,
			lineItems,
			toTimestamptz(order.CycleDue),
			toNullUUID(order.ReplacesOrderID),
			toTimestamptz(order.CreatedAt),
		)
		if err != nil {
			return err
		}

		for i, subID := range order.SubscriptionIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO renewal_order_subscriptions (order_id, subscription_id, position) VALUES ($1, $2, $3)`,
				toUUID(order.ID), toUUID(subID), i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.NewRecordUnavailableError("renewal order", order.ID.String(), err)
	}
	return nil
}

// GetOrder retrieves a renewal order by ID
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*domain.RenewalOrder, error) {
	var (
		order     domain.RenewalOrder
		kind      string
		status    string
		lineItems []byte
		cycleDue  pgtype.Timestamptz
		replaces  pgtype.UUID
	)

	err := s.db.QueryRow(ctx, `
		SELECT kind, status, amount_cents, currency, line_items, cycle_due, replaces_order_id, created_at, updated_at
		FROM renewal_orders WHERE id = $1`, toUUID(id)).Scan(
		&kind, &status, &order.AmountCents, &order.Currency, &lineItems, &cycleDue, &replaces,
		&order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("renewal order", id.String())
		}
		return nil, domain.NewRecordUnavailableError("renewal order", id.String(), err)
	}

	order.ID = id
	order.Kind = domain.OrderKind(kind)
	order.Status = domain.OrderStatus(status)
	order.CycleDue = fromTimestamptz(cycleDue)
	order.ReplacesOrderID = fromNullUUID(replaces)
	if err := json.Unmarshal(lineItems, &order.LineItems); err != nil {
		return nil, fmt.Errorf("failed to unmarshal line items: %w", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT subscription_id FROM renewal_order_subscriptions WHERE order_id = $1 ORDER BY position`, toUUID(id))
	if err != nil {
		return nil, domain.NewRecordUnavailableError("renewal order", id.String(), err)
	}
	defer rows.Close()

	for rows.Next() {
		var subID pgtype.UUID
		if err := rows.Scan(&subID); err != nil {
			return nil, domain.NewRecordUnavailableError("renewal order", id.String(), err)
		}
		order.SubscriptionIDs = append(order.SubscriptionIDs, uuid.UUID(subID.Bytes))
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewRecordUnavailableError("renewal order", id.String(), err)
	}

	return &order, nil
}

// SaveOrder updates an existing renewal order's status. The terminal-status
// guard is repeated in SQL so a concurrent writer cannot rewrite a final order.
func (s *Store) SaveOrder(ctx context.Context, order *domain.RenewalOrder) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE renewal_orders SET status = $2, updated_at = NOW()
		WHERE id = $1 AND (status = $2 OR status NOT IN ('completed', 'failed', 'cancelled'))`,
		toUUID(order.ID), string(order.Status))
	if err != nil {
		return domain.NewRecordUnavailableError("renewal order", order.ID.String(), err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetOrder(ctx, order.ID); getErr != nil {
			return getErr
		}
		return domain.NewInvalidTransitionError("renewal order", "terminal", string(order.Status))
	}
	return nil
}

// FindOrderForCycle returns the non-replaced order of kind for the subscription's cycle
func (s *Store) FindOrderForCycle(ctx context.Context, subscriptionID uuid.UUID, kind domain.OrderKind, cycle time.Time) (*domain.RenewalOrder, error) {
	return s.findOneOrder(ctx, subscriptionID.String(), `
		SELECT o.id FROM renewal_orders o
		JOIN renewal_order_subscriptions l ON l.order_id = o.id
		WHERE l.subscription_id = $1 AND o.kind = $2 AND o.cycle_due = $3
		  AND NOT EXISTS (SELECT 1 FROM renewal_orders r WHERE r.replaces_order_id = o.id)
		ORDER BY o.created_at DESC, o.id DESC
		LIMIT 1`,
		toUUID(subscriptionID), string(kind), toTimestamptz(cycle))
}

// FindReplacement returns the order that replaces orderID
func (s *Store) FindReplacement(ctx context.Context, orderID uuid.UUID) (*domain.RenewalOrder, error) {
	return s.findOneOrder(ctx, orderID.String(), `
		SELECT id FROM renewal_orders WHERE replaces_order_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		toUUID(orderID))
}

// LatestOrderFor returns the most recently created order for a subscription
func (s *Store) LatestOrderFor(ctx context.Context, subscriptionID uuid.UUID) (*domain.RenewalOrder, error) {
	return s.findOneOrder(ctx, subscriptionID.String(), `
		SELECT o.id FROM renewal_orders o
		JOIN renewal_order_subscriptions l ON l.order_id = o.id
		WHERE l.subscription_id = $1
		ORDER BY o.created_at DESC, o.id DESC
		LIMIT 1`,
		toUUID(subscriptionID))
}

func (s *Store) findOneOrder(ctx context.Context, ref, query string, args ...any) (*domain.RenewalOrder, error) {
	var id pgtype.UUID
	if err := s.db.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("renewal order", ref)
		}
		return nil, domain.NewRecordUnavailableError("renewal order", ref, err)
	}
	return s.GetOrder(ctx, uuid.UUID(id.Bytes))
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub           domain.Subscription
		id            pgtype.UUID
		status        string
		intervalUnit  string
		nextPayment   pgtype.Timestamptz
		lastPayment   pgtype.Timestamptz
		externalRef   pgtype.Text
		lineItems     []byte
		parentOrderID pgtype.UUID
		lastPaidID    pgtype.UUID
		notes         []byte
	)

	err := row.Scan(
		&id, &status, &intervalUnit, &sub.Schedule.Interval.Count, &nextPayment, &lastPayment,
		&sub.PaymentMethod, &externalRef, &sub.Currency, &lineItems, &parentOrderID, &lastPaidID,
		&sub.SuspensionCount, &notes, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.ID = uuid.UUID(id.Bytes)
	sub.Status = domain.SubscriptionStatus(status)
	sub.Schedule.Interval.Unit = domain.IntervalUnit(intervalUnit)
	sub.Schedule.NextPayment = fromTimestamptz(nextPayment)
	sub.Schedule.LastPayment = fromTimestamptz(lastPayment)
	sub.ExternalRef = externalRef.String
	sub.ParentOrderID = fromNullUUID(parentOrderID)
	sub.LastPaidOrderID = fromNullUUID(lastPaidID)

	if err := json.Unmarshal(lineItems, &sub.LineItems); err != nil {
		return nil, fmt.Errorf("failed to unmarshal line items: %w", err)
	}
	if err := json.Unmarshal(notes, &sub.Notes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notes: %w", err)
	}
	return &sub, nil
}

func toUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func toNullUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return toUUID(*id)
}

func fromNullUUID(v pgtype.UUID) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	id := uuid.UUID(v.Bytes)
	return &id
}

func toTimestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func fromTimestamptz(v pgtype.Timestamptz) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return v.Time
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
