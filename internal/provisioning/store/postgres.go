// Package store persists orders, customers, domain records and audit entries.
//
// Stores return sentinel errors (sentinel.ErrNotFound, sentinel.ErrConflict);
// the orchestrator translates them. Every query resolves its executor through
// the transaction carried in ctx, if any.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"provisioner/internal/provisioning/models"
	"provisioner/pkg/platform/sentinel"
	txcontext "provisioner/pkg/platform/tx"
)

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func execer(ctx context.Context, db *sql.DB) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return db
}

// PostgresOrders reads orders written by the checkout flow.
type PostgresOrders struct {
	db *sql.DB
}

func NewPostgresOrders(db *sql.DB) *PostgresOrders {
	return &PostgresOrders{db: db}
}

func (s *PostgresOrders) FindByID(ctx context.Context, orderID string) (*models.Order, error) {
	var (
		o        models.Order
		usd, tok string
		meta     []byte
		status   string
	)
	err := execer(ctx, s.db).QueryRowContext(ctx, `
		SELECT id, domain_name, payment_status, user_id, price_usd::text, price_token::text, metadata, created_at
		FROM orders WHERE id = $1`, orderID).
		Scan(&o.ID, &o.DomainName, &status, &o.UserID, &usd, &tok, &meta, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", orderID, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find order: %w", err)
	}
	o.PaymentStatus = models.PaymentStatus(status)
	if o.PriceUSD, err = decimal.NewFromString(usd); err != nil {
		return nil, fmt.Errorf("parse order price_usd: %w", err)
	}
	if o.PriceToken, err = decimal.NewFromString(tok); err != nil {
		return nil, fmt.Errorf("parse order price_token: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &o.Metadata); err != nil {
			return nil, fmt.Errorf("decode order metadata: %w", err)
		}
	}
	return &o, nil
}

// Save inserts or replaces an order. Used by seeding and tests; the pipeline
// itself never writes orders.
func (s *PostgresOrders) Save(ctx context.Context, o *models.Order) error {
	meta, err := json.Marshal(orEmpty(o.Metadata))
	if err != nil {
		return fmt.Errorf("encode order metadata: %w", err)
	}
	_, err = execer(ctx, s.db).ExecContext(ctx, `
		INSERT INTO orders (id, domain_name, payment_status, user_id, price_usd, price_token, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			domain_name = EXCLUDED.domain_name,
			payment_status = EXCLUDED.payment_status,
			user_id = EXCLUDED.user_id,
			price_usd = EXCLUDED.price_usd,
			price_token = EXCLUDED.price_token,
			metadata = EXCLUDED.metadata`,
		o.ID, o.DomainName, string(o.PaymentStatus), o.UserID,
		o.PriceUSD.String(), o.PriceToken.String(), meta, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

// PostgresCustomers resolves users to wallets.
type PostgresCustomers struct {
	db *sql.DB
}

func NewPostgresCustomers(db *sql.DB) *PostgresCustomers {
	return &PostgresCustomers{db: db}
}

func (s *PostgresCustomers) FindByUserID(ctx context.Context, userID string) (*models.Customer, error) {
	var c models.Customer
	err := execer(ctx, s.db).QueryRowContext(ctx,
		`SELECT user_id, wallet_address FROM customers WHERE user_id = $1`, userID).
		Scan(&c.UserID, &c.WalletAddress)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("customer %s: %w", userID, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find customer: %w", err)
	}
	return &c, nil
}

func (s *PostgresCustomers) Save(ctx context.Context, c *models.Customer) error {
	_, err := execer(ctx, s.db).ExecContext(ctx, `
		INSERT INTO customers (user_id, wallet_address) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET wallet_address = EXCLUDED.wallet_address`,
		c.UserID, c.WalletAddress)
	if err != nil {
		return fmt.Errorf("save customer: %w", err)
	}
	return nil
}

// PostgresDomains owns the domains table.
type PostgresDomains struct {
	db *sql.DB
}

func NewPostgresDomains(db *sql.DB) *PostgresDomains {
	return &PostgresDomains{db: db}
}

const domainColumns = `id, fqdn, kind, user_id, order_id, status, nft_token_id, contract_address, ipfs_hash, metadata, created_at, updated_at`

func (s *PostgresDomains) FindByFQDN(ctx context.Context, fqdn string) (*models.DomainRecord, error) {
	row := execer(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+domainColumns+` FROM domains WHERE fqdn = $1`, fqdn)
	rec, err := scanDomain(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("domain %s: %w", fqdn, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find domain: %w", err)
	}
	return rec, nil
}

// Upsert writes rec keyed on fqdn. The existing row id and created_at are
// kept; rec is updated with the stored values.
func (s *PostgresDomains) Upsert(ctx context.Context, rec *models.DomainRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode domain metadata: %w", err)
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	row := execer(ctx, s.db).QueryRowContext(ctx, `
		INSERT INTO domains (`+domainColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT ON CONSTRAINT domains_fqdn_key DO UPDATE SET
			kind = EXCLUDED.kind,
			user_id = EXCLUDED.user_id,
			order_id = EXCLUDED.order_id,
			status = EXCLUDED.status,
			nft_token_id = EXCLUDED.nft_token_id,
			contract_address = EXCLUDED.contract_address,
			ipfs_hash = EXCLUDED.ipfs_hash,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`,
		rec.ID, rec.FQDN, string(rec.Kind), rec.UserID, rec.OrderID, string(rec.Status),
		rec.TokenID, rec.ContractAddress, rec.ContentID, meta, rec.CreatedAt, rec.UpdatedAt)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("upsert domain %s: %w", rec.FQDN, sentinel.ErrConflict)
		}
		return fmt.Errorf("upsert domain: %w", err)
	}
	return nil
}

func scanDomain(row interface{ Scan(...any) error }) (*models.DomainRecord, error) {
	var (
		rec          models.DomainRecord
		kind, status string
		meta         []byte
	)
	if err := row.Scan(&rec.ID, &rec.FQDN, &kind, &rec.UserID, &rec.OrderID, &status,
		&rec.TokenID, &rec.ContractAddress, &rec.ContentID, &meta, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Kind = models.Kind(kind)
	rec.Status = models.Status(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode domain metadata: %w", err)
		}
	}
	return &rec, nil
}

// PostgresAudits appends to the audits table. Rows are never updated; a
// trigger rejects UPDATE and DELETE.
type PostgresAudits struct {
	db *sql.DB
}

func NewPostgresAudits(db *sql.DB) *PostgresAudits {
	return &PostgresAudits{db: db}
}

func (s *PostgresAudits) Append(ctx context.Context, entry *models.AuditEntry) error {
	meta, err := json.Marshal(orEmpty(entry.Metadata))
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	_, err = execer(ctx, s.db).ExecContext(ctx, `
		INSERT INTO audits (id, order_id, domain, action, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.OrderID, entry.Domain, string(entry.Action), meta, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *PostgresAudits) ListByOrder(ctx context.Context, orderID string) ([]*models.AuditEntry, error) {
	rows, err := execer(ctx, s.db).QueryContext(ctx, `
		SELECT id, order_id, domain, action, metadata, created_at
		FROM audits WHERE order_id = $1
		ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditEntry
	for rows.Next() {
		var (
			e      models.AuditEntry
			action string
			meta   []byte
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Domain, &action, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = models.AuditAction(action)
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

// TxRunner runs a function inside a single database transaction.
type TxRunner struct {
	db *sql.DB
}

func NewTxRunner(db *sql.DB) *TxRunner {
	return &TxRunner{db: db}
}

func (r *TxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return txcontext.Run(ctx, r.db, fn)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
