package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/NadimPy/vm-provisioner/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PostgresCatalog implements Catalog against the schema in
// internal/database/migrations/0001_init.sql via a shared pgxpool.Pool.
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

// NewPostgresCatalog wraps an already-connected pool. The pool's lifecycle
// (creation, migration, Close) is owned by the caller (cmd/provisiond).
func NewPostgresCatalog(pool *pgxpool.Pool) *PostgresCatalog {
	return &PostgresCatalog{pool: pool}
}

func (c *PostgresCatalog) AddUser(ctx context.Context, u *models.User) error {
	u.CreatedAt = touchCreatedAt(u.CreatedAt)
	const q = `
		INSERT INTO users (id, name, password_hash, api_key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := c.pool.Exec(ctx, q, u.ID, u.Name, u.PasswordHash, u.APIKeyHash, u.CreatedAt)
	return translateErr(err)
}

func (c *PostgresCatalog) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	const q = `
		SELECT id, name, password_hash, api_key_hash, created_at
		FROM users WHERE id = $1`
	return c.scanUser(c.pool.QueryRow(ctx, q, id))
}

func (c *PostgresCatalog) FindUserByName(ctx context.Context, name string) (*models.User, error) {
	const q = `
		SELECT id, name, password_hash, api_key_hash, created_at
		FROM users WHERE name = $1`
	return c.scanUser(c.pool.QueryRow(ctx, q, name))
}

func (c *PostgresCatalog) FindUserByAPIKeyHash(ctx context.Context, hash string) (*models.User, error) {
	const q = `
		SELECT id, name, password_hash, api_key_hash, created_at
		FROM users WHERE api_key_hash = $1`
	return c.scanUser(c.pool.QueryRow(ctx, q, hash))
}

func (c *PostgresCatalog) UpdateUserAPIKeyHash(ctx context.Context, userID, hash string) error {
	const q = `UPDATE users SET api_key_hash = $1 WHERE id = $2`
	tag, err := c.pool.Exec(ctx, q, hash, userID)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *PostgresCatalog) scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Name, &u.PasswordHash, &u.APIKeyHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: scan user: %w", err)
	}
	return &u, nil
}

func (c *PostgresCatalog) AddVM(ctx context.Context, vm *models.VM) error {
	vm.CreatedAt = touchCreatedAt(vm.CreatedAt)
	const q = `
		INSERT INTO vms (id, name, owner_id, status, ip, host_port, disk_path, iso_path, image_type, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10)`
	_, err := c.pool.Exec(ctx, q,
		vm.ID, vm.Name, vm.OwnerID, vm.Status, vm.IP, vm.HostPort,
		vm.DiskPath, vm.ISOPath, vm.ImageType, vm.CreatedAt,
	)
	return translateErr(err)
}

func (c *PostgresCatalog) GetVM(ctx context.Context, id string) (*models.VM, error) {
	const q = `
		SELECT id, name, owner_id, status, COALESCE(ip, ''), host_port, disk_path, iso_path, image_type, created_at
		FROM vms WHERE id = $1`
	return c.scanVM(c.pool.QueryRow(ctx, q, id))
}

func (c *PostgresCatalog) ListVMsByOwner(ctx context.Context, ownerID string) ([]*models.VM, error) {
	const q = `
		SELECT id, name, owner_id, status, COALESCE(ip, ''), host_port, disk_path, iso_path, image_type, created_at
		FROM vms WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := c.pool.Query(ctx, q, ownerID)
	if err != nil {
		return nil, fmt.Errorf("catalog: list vms: %w", err)
	}
	defer rows.Close()

	var out []*models.VM
	for rows.Next() {
		vm, err := c.scanVM(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, vm)
	}
	return out, rows.Err()
}

func (c *PostgresCatalog) ListAllVMs(ctx context.Context) ([]*models.VM, error) {
	const q = `
		SELECT id, name, owner_id, status, COALESCE(ip, ''), host_port, disk_path, iso_path, image_type, created_at
		FROM vms ORDER BY created_at ASC`
	rows, err := c.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("catalog: list all vms: %w", err)
	}
	defer rows.Close()

	var out []*models.VM
	for rows.Next() {
		vm, err := c.scanVM(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, vm)
	}
	return out, rows.Err()
}

func (c *PostgresCatalog) scanVM(row pgx.Row) (*models.VM, error) {
	var vm models.VM
	err := row.Scan(&vm.ID, &vm.Name, &vm.OwnerID, &vm.Status, &vm.IP,
		&vm.HostPort, &vm.DiskPath, &vm.ISOPath, &vm.ImageType, &vm.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("catalog: scan vm: %w", err)
	}
	return &vm, nil
}

func (c *PostgresCatalog) UpdateVMStatus(ctx context.Context, id string, status models.VMStatus) error {
	const q = `UPDATE vms SET status = $1 WHERE id = $2`
	tag, err := c.pool.Exec(ctx, q, status, id)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *PostgresCatalog) UpdateVMIP(ctx context.Context, id, ip string) error {
	const q = `UPDATE vms SET ip = $1 WHERE id = $2`
	tag, err := c.pool.Exec(ctx, q, ip, id)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *PostgresCatalog) DeleteVM(ctx context.Context, id string) error {
	const q = `DELETE FROM vms WHERE id = $1`
	tag, err := c.pool.Exec(ctx, q, id)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *PostgresCatalog) MaxHostPort(ctx context.Context) (int, error) {
	const q = `SELECT COALESCE(MAX(host_port), 0) FROM vms`
	var max int
	if err := c.pool.QueryRow(ctx, q).Scan(&max); err != nil {
		return 0, fmt.Errorf("catalog: max host port: %w", err)
	}
	return max, nil
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return fmt.Errorf("catalog: %w", err)
}
