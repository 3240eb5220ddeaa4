package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mealmesh/mealmesh/pkg/state"
)

// PostgresStore is the production OrderStore. Order items are stored as a
// JSONB column; the coordination layer never queries inside them.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ OrderStore = (*PostgresStore)(nil)

// ConnectPostgres opens a pool and verifies connectivity with a few retries,
// since the database is often still starting when the service comes up.
func ConnectPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	const (
		maxRetries = 10
		retryDelay = 2 * time.Second
		pingTTL    = 5 * time.Second
	)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}

	for i := 1; i <= maxRetries; i++ {
		pctx, cancel := context.WithTimeout(ctx, pingTTL)
		err = pool.Ping(pctx)
		cancel()
		if err == nil {
			return &PostgresStore{pool: pool}, nil
		}
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			pool.Close()
			return nil, fmt.Errorf("db ping canceled: %w", ctx.Err())
		}
	}
	pool.Close()
	return nil, fmt.Errorf("database unreachable after %d attempts: %w", maxRetries, err)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

const orderColumns = `id, customer_id, chef_id, COALESCE(delivery_partner_id, ''), items, total_amount, status,
	delivery_address, COALESCE(delivery_instructions, ''), estimated_delivery_time, created_at, updated_at`

func (s *PostgresStore) CreateOrder(ctx context.Context, in CreateOrderInput) (*Order, error) {
	if in.CustomerID == "" || in.ChefID == "" {
		return nil, fmt.Errorf("create order: customer and chef are required")
	}

	items, err := json.Marshal(in.Items)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order items: %w", err)
	}

	id := uuid.NewString()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO orders
			(id, customer_id, chef_id, items, total_amount, status, delivery_address, delivery_instructions, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING `+orderColumns,
		id, in.CustomerID, in.ChefID, items, in.TotalAmount, StatusPending, in.DeliveryAddress, in.DeliveryInstructions,
	)
	return scanOrder(row)
}

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return order, err
}

func (s *PostgresStore) ListOrdersForParticipant(ctx context.Context, participantID string, role state.Role) ([]*Order, error) {
	var column string
	switch role {
	case state.RoleCustomer:
		column = "customer_id"
	case state.RoleChef:
		column = "chef_id"
	case state.RoleDeliveryPartner:
		column = "delivery_partner_id"
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE `+column+` = $1 ORDER BY created_at DESC`,
		participantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateOrderStatus(ctx context.Context, orderID string, newStatus Status, actorID string, actorRole state.Role) (*Order, error) {
	if !newStatus.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, newStatus)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Row lock serializes concurrent transitions on the same order at the
	// store level too, on top of the coordinator's per-order lock.
	row := tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	if !canUpdate(order, newStatus, actorID, actorRole) {
		return nil, ErrNotPermitted
	}
	if !CanTransition(order.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, newStatus)
	}

	var eta *time.Time
	if newStatus == StatusAccepted {
		t := time.Now().UTC().Add(45 * time.Minute)
		eta = &t
	} else {
		eta = order.EstimatedDeliveryTime
	}

	row = tx.QueryRow(ctx, `
		UPDATE orders SET status = $2, estimated_delivery_time = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING `+orderColumns,
		orderID, newStatus, eta,
	)
	updated, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit status update: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) AssignDeliveryPartner(ctx context.Context, orderID, partnerID string) (*Order, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE orders SET delivery_partner_id = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+orderColumns,
		orderID, partnerID,
	)
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return order, err
}

func (s *PostgresStore) ListAvailableDeliveryPartners(ctx context.Context) ([]Partner, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name FROM users WHERE role = $1 AND available LIMIT 5`,
		state.RoleDeliveryPartner,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery partners: %w", err)
	}
	defer rows.Close()

	var partners []Partner
	for rows.Next() {
		var p Partner
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, err
		}
		partners = append(partners, p)
	}
	return partners, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o     Order
		items []byte
	)
	err := row.Scan(
		&o.ID, &o.CustomerID, &o.ChefID, &o.DeliveryPartnerID, &items, &o.TotalAmount, &o.Status,
		&o.DeliveryAddress, &o.DeliveryInstructions, &o.EstimatedDeliveryTime, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order items: %w", err)
		}
	}
	return &o, nil
}
