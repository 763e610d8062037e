package orders

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/go-keyshop-checkout.git/internal/inventory"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("order not found")
	// ErrTerminal: the order already reached completed or cancelled.
	ErrTerminal = errors.New("order in terminal state")
)

// LedgerRepo is the authoritative record of purchase attempts. The unique
// constraint on session_id is what makes completion idempotent: at most
// one order per external payment session, enforced by the store rather
// than by application reads.
type LedgerRepo struct{ DB *pgxpool.Pool }

const orderCols = `id, user_id, product_id, status, payment_method, total_cents, COALESCE(session_id,''), created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.UserID, &o.ProductID, &o.Status, &o.PaymentMethod, &o.TotalCents, &o.SessionID, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func (r *LedgerRepo) Order(ctx context.Context, id string) (Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return o, err
}

func (r *LedgerRepo) OrderBySession(ctx context.Context, sessionID string) (Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE session_id=$1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return o, err
}

func (r *LedgerRepo) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+orderCols+` FROM orders WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateStatus applies a one-way transition. The WHERE clause re-checks
// the current status so a concurrent transition cannot be overwritten.
func (r *LedgerRepo) UpdateStatus(ctx context.Context, id string, to Status) error {
	o, err := r.Order(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(o.Status, to) {
		return ErrTerminal
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status=$2, updated_at=now()
		WHERE id=$1 AND status=$3
	`, id, to, o.Status)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

// CreateManualPending opens a pending manual-payment order bound to the
// session reference its unit is reserved under.
func (r *LedgerRepo) CreateManualPending(ctx context.Context, userID, productID, sessionRef string, totalCents int) (Order, error) {
	id := uuid.NewString()
	o, err := scanOrder(r.DB.QueryRow(ctx, `
		INSERT INTO orders(id, user_id, product_id, status, payment_method, total_cents, session_id)
		VALUES ($1,$2,$3,'pending','manual',$4,$5)
		RETURNING `+orderCols, id, userID, productID, totalCents, sessionRef))
	return o, err
}

type CompleteParams struct {
	SessionID     string
	UserID        string
	ProductID     string
	UnitID        string
	PaymentMethod string
	TotalCents    int
	// ExistingOrderID is set when completing an already-pending order
	// (the manual path); empty means insert a fresh completed order.
	ExistingOrderID string
}

// Complete runs the fulfillment transaction as one atomic unit: order row,
// unit consumption, deliverable copy, stock decrement. Losing the insert
// race on session_id is success, not an error: the winner's order id is
// returned with existed=true and nothing else is touched.
func (r *LedgerRepo) Complete(ctx context.Context, p CompleteParams) (orderID string, existed bool, err error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if p.ExistingOrderID != "" {
		orderID = p.ExistingOrderID
		ct, err := tx.Exec(ctx, `
			UPDATE orders SET status='completed', updated_at=now()
			WHERE id=$1 AND status='pending'
		`, orderID)
		if err != nil {
			return "", false, err
		}
		if ct.RowsAffected() == 0 {
			// already completed (or cancelled) by a concurrent caller
			var status Status
			if err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1`, orderID).Scan(&status); err != nil {
				return "", false, err
			}
			if status == StatusCompleted {
				return orderID, true, nil
			}
			return "", false, ErrTerminal
		}
	} else {
		orderID = uuid.NewString()
		ct, err := tx.Exec(ctx, `
			INSERT INTO orders(id, user_id, product_id, status, payment_method, total_cents, session_id)
			VALUES ($1,$2,$3,'completed',$4,$5,$6)
			ON CONFLICT (session_id) DO NOTHING
		`, orderID, p.UserID, p.ProductID, p.PaymentMethod, p.TotalCents, p.SessionID)
		if err != nil {
			return "", false, err
		}
		if ct.RowsAffected() == 0 {
			var winner string
			if err := tx.QueryRow(ctx, `SELECT id FROM orders WHERE session_id=$1`, p.SessionID).Scan(&winner); err != nil {
				return "", false, err
			}
			return winner, true, nil
		}
	}

	secret, err := inventory.ConsumeInTx(ctx, tx, p.UnitID, orderID)
	if err != nil {
		return "", false, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO deliverables(id, order_id, content, kind)
		VALUES ($1,$2,$3,'key')
	`, uuid.NewString(), orderID, secret); err != nil {
		return "", false, err
	}

	// stock counts units not yet used; decremented exactly here, once
	if _, err := tx.Exec(ctx, `
		UPDATE products SET stock = GREATEST(stock - 1, 0) WHERE id=$1
	`, p.ProductID); err != nil {
		return "", false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, err
	}
	return orderID, false, nil
}

func (r *LedgerRepo) DeliverablesByOrder(ctx context.Context, orderID string) ([]Deliverable, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, content, kind, created_at FROM deliverables WHERE order_id=$1
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Deliverable
	for rows.Next() {
		var d Deliverable
		if err := rows.Scan(&d.ID, &d.OrderID, &d.Content, &d.Kind, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Vault lists the user's delivered assets, joined with their orders and
// products.
func (r *LedgerRepo) Vault(ctx context.Context, userID string) ([]VaultItem, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT d.id, d.order_id, d.content, d.kind, d.created_at,
		       o.id, o.user_id, o.product_id, o.status, o.payment_method, o.total_cents, COALESCE(o.session_id,''), o.created_at, o.updated_at,
		       p.id, p.title, p.price_cents, p.stock, p.is_active, p.created_at
		FROM deliverables d
		JOIN orders o ON o.id = d.order_id
		LEFT JOIN products p ON p.id = o.product_id
		WHERE o.user_id=$1 AND o.status='completed'
		ORDER BY d.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VaultItem
	for rows.Next() {
		var v VaultItem
		var pid, ptitle *string
		var pprice, pstock *int
		var pactive *bool
		var pcreated *time.Time
		err := rows.Scan(
			&v.Item.ID, &v.Item.OrderID, &v.Item.Content, &v.Item.Kind, &v.Item.CreatedAt,
			&v.Order.ID, &v.Order.UserID, &v.Order.ProductID, &v.Order.Status, &v.Order.PaymentMethod, &v.Order.TotalCents, &v.Order.SessionID, &v.Order.CreatedAt, &v.Order.UpdatedAt,
			&pid, &ptitle, &pprice, &pstock, &pactive, &pcreated,
		)
		if err != nil {
			return nil, err
		}
		if pid != nil {
			p := Product{ID: *pid, Title: *ptitle, PriceCents: *pprice, Stock: *pstock, IsActive: *pactive}
			if pcreated != nil {
				p.CreatedAt = *pcreated
			}
			v.Product = &p
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *LedgerRepo) Product(ctx context.Context, id string) (Product, error) {
	var p Product
	err := r.DB.QueryRow(ctx, `
		SELECT id, title, price_cents, stock, is_active, created_at FROM products WHERE id=$1
	`, id).Scan(&p.ID, &p.Title, &p.PriceCents, &p.Stock, &p.IsActive, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	return p, err
}

func (r *LedgerRepo) ListProducts(ctx context.Context) ([]Product, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, title, price_cents, stock, is_active, created_at
		FROM products WHERE is_active ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Title, &p.PriceCents, &p.Stock, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
