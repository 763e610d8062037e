package inventory

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UnitRepo performs every state transition as a single conditional write
// evaluated by Postgres. Correctness never depends on an in-process lock:
// multiple instances may race on the same product and at most one
// conditional write applies per unit.
type UnitRepo struct{ DB *pgxpool.Pool }

// Acquire claims any available unit of the product and reserves it under
// holdRef in one statement. SKIP LOCKED keeps concurrent acquirers off
// each other's rows, so no two callers can win the same unit.
func (r *UnitRepo) Acquire(ctx context.Context, productID, holdRef string) (Unit, error) {
	var u Unit
	err := r.DB.QueryRow(ctx, `
		UPDATE product_units
		SET status='reserved', session_id=$2, reserved_at=now()
		WHERE id = (
			SELECT id FROM product_units
			WHERE product_id=$1 AND status='available'
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, product_id, secret, status, COALESCE(session_id,''), reserved_at, COALESCE(order_id,''), created_at
	`, productID, holdRef).Scan(&u.ID, &u.ProductID, &u.Secret, &u.Status, &u.SessionID, &u.ReservedAt, &u.OrderID, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Unit{}, ErrExhausted
	}
	if err != nil {
		return Unit{}, err
	}
	return u, nil
}

// Reserve rebinds a unit held under holdRef to the real gateway session
// id. Fails with ErrConflict when the unit is no longer held under
// holdRef (swept or released in between) so the caller can retry with a
// fresh acquire.
func (r *UnitRepo) Reserve(ctx context.Context, unitID, holdRef, sessionID string) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE product_units SET session_id=$3
		WHERE id=$1 AND status='reserved' AND session_id=$2
	`, unitID, holdRef, sessionID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	var status string
	err = r.DB.QueryRow(ctx, `SELECT status FROM product_units WHERE id=$1`, unitID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

// Release returns a reserved unit to the pool. Used units never match the
// WHERE clause, so a release against one is a no-op by construction.
func (r *UnitRepo) Release(ctx context.Context, unitID string) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE product_units SET status='available', session_id=NULL, reserved_at=NULL
		WHERE id=$1 AND status='reserved'
	`, unitID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *UnitRepo) ReleaseBySession(ctx context.Context, sessionID string) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE product_units SET status='available', session_id=NULL, reserved_at=NULL
		WHERE session_id=$1 AND status='reserved'
	`, sessionID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *UnitRepo) BySession(ctx context.Context, sessionID string) (Unit, error) {
	var u Unit
	err := r.DB.QueryRow(ctx, `
		SELECT id, product_id, secret, status, COALESCE(session_id,''), reserved_at, COALESCE(order_id,''), created_at
		FROM product_units
		WHERE session_id=$1 AND status='reserved'
	`, sessionID).Scan(&u.ID, &u.ProductID, &u.Secret, &u.Status, &u.SessionID, &u.ReservedAt, &u.OrderID, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Unit{}, ErrNotFound
	}
	if err != nil {
		return Unit{}, err
	}
	return u, nil
}

// SweepExpired reclaims stale reservations for one product. Bounded to
// the product's reserved rows, never a global scan. Manual-payment holds
// are skipped: they wait for an admin, not a gateway session expiry.
func (r *UnitRepo) SweepExpired(ctx context.Context, productID string, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl)
	ct, err := r.DB.Exec(ctx, `
		UPDATE product_units SET status='available', session_id=NULL, reserved_at=NULL
		WHERE product_id=$1 AND status='reserved' AND reserved_at < $2
		  AND session_id NOT LIKE $3
	`, productID, cutoff, ManualSessionPrefix+"%")
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// ConsumeInTx marks the unit used by orderID inside the caller's
// completion transaction and returns the secret for the deliverable.
// It accepts a unit in 'available' as well: an expiry release racing a
// genuinely paid session must not beat the consume. Idempotent when the
// unit is already used by the same order; used by a different order is a
// consistency error.
func ConsumeInTx(ctx context.Context, tx pgx.Tx, unitID, orderID string) (string, error) {
	var secret string
	err := tx.QueryRow(ctx, `
		UPDATE product_units
		SET status='used', order_id=$2, session_id=NULL, reserved_at=NULL
		WHERE id=$1 AND status IN ('reserved','available')
		RETURNING secret
	`, unitID, orderID).Scan(&secret)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}

	var status, owner string
	err = tx.QueryRow(ctx, `
		SELECT status, COALESCE(order_id,''), secret FROM product_units WHERE id=$1
	`, unitID).Scan(&status, &owner, &secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if status == StatusUsed && owner == orderID {
		return secret, nil
	}
	return "", ErrConsumedElsewhere
}

// Restock inserts a new unit and bumps the product's stock counter in
// one transaction. The counter means "units not yet used".
func (r *UnitRepo) Restock(ctx context.Context, productID, secret string) (Unit, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Unit{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists string
	if err := tx.QueryRow(ctx, `SELECT id FROM products WHERE id=$1`, productID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Unit{}, ErrNotFound
		}
		return Unit{}, err
	}

	u := Unit{ID: uuid.NewString(), ProductID: productID, Secret: secret, Status: StatusAvailable}
	err = tx.QueryRow(ctx, `
		INSERT INTO product_units(id, product_id, secret, status)
		VALUES ($1,$2,$3,'available')
		RETURNING created_at
	`, u.ID, productID, secret).Scan(&u.CreatedAt)
	if err != nil {
		return Unit{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE products SET stock = stock + 1 WHERE id=$1`, productID); err != nil {
		return Unit{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Unit{}, err
	}
	return u, nil
}

// Delete removes an unused unit and decrements stock. Deleting a used
// unit is forbidden: the deliverable already references its content.
func (r *UnitRepo) Delete(ctx context.Context, unitID string) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var productID, status string
	err = tx.QueryRow(ctx, `
		SELECT product_id, status FROM product_units WHERE id=$1 FOR UPDATE
	`, unitID).Scan(&productID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status == StatusUsed {
		return ErrUnitUsed
	}

	if _, err := tx.Exec(ctx, `DELETE FROM product_units WHERE id=$1`, unitID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE products SET stock = GREATEST(stock - 1, 0) WHERE id=$1`, productID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// List returns units, optionally filtered by product. Secrets stay in the
// rows: this is an admin-only surface.
func (r *UnitRepo) List(ctx context.Context, productID string) ([]Unit, error) {
	q := `
		SELECT id, product_id, secret, status, COALESCE(session_id,''), reserved_at, COALESCE(order_id,''), created_at
		FROM product_units`
	args := []any{}
	if strings.TrimSpace(productID) != "" {
		q += ` WHERE product_id=$1`
		args = append(args, productID)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := r.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Unit
	for rows.Next() {
		var u Unit
		if err := rows.Scan(&u.ID, &u.ProductID, &u.Secret, &u.Status, &u.SessionID, &u.ReservedAt, &u.OrderID, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
