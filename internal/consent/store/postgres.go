package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"trainshare/internal/consent"
	"trainshare/pkg/domain"
	"trainshare/pkg/platform/sentinel"
	"trainshare/pkg/requestcontext"
)

// Postgres implements consent.Store over database/sql. Scopes and the audit
// trail are stored as JSONB but compared as sets / append-logs by the domain
// layer; the columns that participate in queries (pair, status) are plain.
//
// Lazy expiry normalization runs inside a transaction with the row locked
// (SELECT ... FOR UPDATE) so concurrent flips serialize on the row.
type Postgres struct {
	db           *sql.DB
	onLazyExpiry func()
}

// PostgresOption customizes a Postgres store.
type PostgresOption func(*Postgres)

// WithPostgresExpiryHook registers a callback invoked once per lazy
// ACTIVE->EXPIRED flip.
func WithPostgresExpiryHook(fn func()) PostgresOption {
	return func(p *Postgres) { p.onLazyExpiry = fn }
}

func NewPostgres(db *sql.DB, opts ...PostgresOption) *Postgres {
	p := &Postgres{db: db}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Migrate creates the consents table when absent.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS consents (
			id               UUID PRIMARY KEY,
			client_id        UUID NOT NULL,
			trainer_id       UUID NOT NULL,
			status           TEXT NOT NULL,
			scopes           JSONB NOT NULL,
			expires_at       TIMESTAMPTZ,
			revoked_at       TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL,
			hidden_by_client BOOLEAN NOT NULL DEFAULT FALSE,
			audit            JSONB NOT NULL DEFAULT '[]'
		);
		CREATE INDEX IF NOT EXISTS consents_client_idx ON consents (client_id);
		CREATE INDEX IF NOT EXISTS consents_trainer_idx ON consents (trainer_id);
		CREATE UNIQUE INDEX IF NOT EXISTS consents_one_active_per_pair
			ON consents (trainer_id, client_id) WHERE status = 'active';
	`)
	if err != nil {
		return fmt.Errorf("migrate consents: %w", err)
	}
	return nil
}

const consentColumns = `id, client_id, trainer_id, status, scopes, expires_at, revoked_at, created_at, updated_at, hidden_by_client, audit`

func (p *Postgres) Create(ctx context.Context, c *consent.Consent) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		// Normalize any stale ACTIVE record for the pair first; the partial
		// unique index then makes check-then-insert atomic even across
		// processes.
		if err := p.normalizePairLocked(ctx, tx, c.TrainerID, c.ClientID); err != nil {
			return err
		}

		scopes, audit, err := marshalJSONFields(c)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO consents (`+consentColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`,
			uuid.UUID(c.ID), uuid.UUID(c.ClientID), uuid.UUID(c.TrainerID),
			c.Status.String(), scopes, c.ExpiresAt, c.RevokedAt,
			c.CreatedAt, c.UpdatedAt, c.HiddenByClient, audit,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return sentinel.ErrConflict
			}
			return fmt.Errorf("insert consent: %w", err)
		}
		return nil
	})
}

func (p *Postgres) Get(ctx context.Context, id domain.ConsentID) (*consent.Consent, error) {
	var out *consent.Consent
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		c, err := p.lockAndNormalize(ctx, tx, `WHERE id = $1`, uuid.UUID(id))
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

func (p *Postgres) ListForClient(ctx context.Context, clientID domain.ClientID) ([]*consent.Consent, error) {
	var out []*consent.Consent
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := p.lockRows(ctx, tx, `WHERE client_id = $1 ORDER BY created_at`, uuid.UUID(clientID))
		if err != nil {
			return err
		}
		for _, c := range rows {
			if err := p.flipIfExpired(ctx, tx, c); err != nil {
				return err
			}
		}
		out = rows
		return nil
	})
	return out, err
}

func (p *Postgres) ListActiveForTrainer(ctx context.Context, trainerID domain.TrainerID) ([]*consent.Consent, error) {
	var out []*consent.Consent
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := p.lockRows(ctx, tx, `WHERE trainer_id = $1 AND status = 'active' ORDER BY created_at`, uuid.UUID(trainerID))
		if err != nil {
			return err
		}
		for _, c := range rows {
			if err := p.flipIfExpired(ctx, tx, c); err != nil {
				return err
			}
			if c.Status == domain.StatusActive {
				out = append(out, c)
			}
		}
		return nil
	})
	return out, err
}

func (p *Postgres) FindByPair(ctx context.Context, trainerID domain.TrainerID, clientID domain.ClientID) (*consent.Consent, error) {
	var out *consent.Consent
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		c, err := p.lockAndNormalize(ctx, tx,
			`WHERE trainer_id = $1 AND client_id = $2 ORDER BY created_at DESC LIMIT 1`,
			uuid.UUID(trainerID), uuid.UUID(clientID))
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

func (p *Postgres) GetActive(ctx context.Context, trainerID domain.TrainerID, clientID domain.ClientID) (*consent.Consent, error) {
	var out *consent.Consent
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		c, err := p.lockAndNormalize(ctx, tx,
			`WHERE trainer_id = $1 AND client_id = $2 AND status = 'active' LIMIT 1`,
			uuid.UUID(trainerID), uuid.UUID(clientID))
		if err != nil {
			return err
		}
		if c.Status != domain.StatusActive {
			return sentinel.ErrNotFound
		}
		out = c
		return nil
	})
	return out, err
}

func (p *Postgres) Update(ctx context.Context, c *consent.Consent) error {
	scopes, audit, err := marshalJSONFields(c)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE consents
		SET status = $2, scopes = $3, expires_at = $4, revoked_at = $5,
		    updated_at = $6, hidden_by_client = $7, audit = $8
		WHERE id = $1
	`,
		uuid.UUID(c.ID), c.Status.String(), scopes, c.ExpiresAt, c.RevokedAt,
		c.UpdatedAt, c.HiddenByClient, audit,
	)
	if err != nil {
		return fmt.Errorf("update consent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (p *Postgres) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// lockAndNormalize fetches one row FOR UPDATE, applies the lazy expiry flip,
// and returns the normalized record.
func (p *Postgres) lockAndNormalize(ctx context.Context, tx *sql.Tx, where string, args ...any) (*consent.Consent, error) {
	rows, err := p.lockRows(ctx, tx, where, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, sentinel.ErrNotFound
	}
	c := rows[0]
	if err := p.flipIfExpired(ctx, tx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *Postgres) lockRows(ctx context.Context, tx *sql.Tx, where string, args ...any) ([]*consent.Consent, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+consentColumns+` FROM consents `+where+` FOR UPDATE`, args...)
	if err != nil {
		return nil, fmt.Errorf("select consents: %w", err)
	}
	defer rows.Close()

	var out []*consent.Consent
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) flipIfExpired(ctx context.Context, tx *sql.Tx, c *consent.Consent) error {
	now := requestcontext.Now(ctx)
	if !c.TimeExpired(now) {
		return nil
	}
	c.Status = domain.StatusExpired
	c.UpdatedAt = now
	_, err := tx.ExecContext(ctx,
		`UPDATE consents SET status = $2, updated_at = $3 WHERE id = $1 AND status = 'active'`,
		uuid.UUID(c.ID), c.Status.String(), c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("persist lazy expiry: %w", err)
	}
	if p.onLazyExpiry != nil {
		p.onLazyExpiry()
	}
	return nil
}

func (p *Postgres) normalizePairLocked(ctx context.Context, tx *sql.Tx, trainerID domain.TrainerID, clientID domain.ClientID) error {
	rows, err := p.lockRows(ctx, tx,
		`WHERE trainer_id = $1 AND client_id = $2 AND status = 'active'`,
		uuid.UUID(trainerID), uuid.UUID(clientID))
	if err != nil {
		return err
	}
	for _, c := range rows {
		if err := p.flipIfExpired(ctx, tx, c); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConsent(row rowScanner) (*consent.Consent, error) {
	var (
		c         consent.Consent
		id        uuid.UUID
		clientID  uuid.UUID
		trainerID uuid.UUID
		status    string
		scopesRaw []byte
		auditRaw  []byte
		expiresAt sql.NullTime
		revokedAt sql.NullTime
	)
	err := row.Scan(&id, &clientID, &trainerID, &status, &scopesRaw,
		&expiresAt, &revokedAt, &c.CreatedAt, &c.UpdatedAt, &c.HiddenByClient, &auditRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan consent: %w", err)
	}

	c.ID = domain.ConsentID(id)
	c.ClientID = domain.ClientID(clientID)
	c.TrainerID = domain.TrainerID(trainerID)
	c.Status = domain.ConsentStatus(status)
	if expiresAt.Valid {
		t := expiresAt.Time
		c.ExpiresAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		c.RevokedAt = &t
	}
	if err := json.Unmarshal(scopesRaw, &c.Scopes); err != nil {
		return nil, fmt.Errorf("unmarshal scopes: %w", err)
	}
	if err := json.Unmarshal(auditRaw, &c.Audit); err != nil {
		return nil, fmt.Errorf("unmarshal audit: %w", err)
	}
	return &c, nil
}

func marshalJSONFields(c *consent.Consent) (scopes, audit []byte, err error) {
	scopes, err = json.Marshal(c.Scopes)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal scopes: %w", err)
	}
	if c.Audit == nil {
		audit = []byte("[]")
	} else if audit, err = json.Marshal(c.Audit); err != nil {
		return nil, nil, fmt.Errorf("marshal audit: %w", err)
	}
	return scopes, audit, nil
}

// isUniqueViolation detects the partial unique index trip without importing
// driver internals beyond the pq error code.
func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var c coder
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}
	return false
}
