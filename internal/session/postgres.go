package session

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Postgres is a Registry shared by every instance using the same
// database.  The listener_sessions table is created by the persist
// migrations.
type Postgres struct {
	pool     *pgxpool.Pool
	instance string
}

var _ Registry = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool, instanceID string) *Postgres {
	return &Postgres{pool: pool, instance: instanceID}
}

// Reset forgets this instance's listeners.  Call it at startup: sockets
// held by a previous run of the same instance are gone.
func (p *Postgres) Reset(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM listener_sessions WHERE instance_id = $1`, p.instance)
	return errors.Wrap(err, "resetting listener sessions")
}

func (p *Postgres) Attach(ctx context.Context, principalID string) error {
	const upsert = `
INSERT INTO listener_sessions (principal_key, instance_id, listeners, updated_at)
VALUES ($1, $2, 1, now())
ON CONFLICT (principal_key, instance_id) DO UPDATE SET
	listeners = listener_sessions.listeners + 1,
	updated_at = now()`
	_, err := p.pool.Exec(ctx, upsert, principalID, p.instance)
	return errors.Wrapf(err, "attaching listener for %s", principalID)
}

func (p *Postgres) Detach(ctx context.Context, principalID string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction failed")
	}
	defer tx.Rollback(ctx)

	var left int
	err = tx.QueryRow(ctx, `
UPDATE listener_sessions SET listeners = listeners - 1, updated_at = now()
WHERE principal_key = $1 AND instance_id = $2 AND listeners > 0
RETURNING listeners`, principalID, p.instance).Scan(&left)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrap(ErrNotAttached, principalID)
	}
	if err != nil {
		return errors.Wrapf(err, "detaching listener for %s", principalID)
	}
	if left == 0 {
		_, err = tx.Exec(ctx, `
DELETE FROM listener_sessions
WHERE principal_key = $1 AND instance_id = $2 AND listeners = 0`, principalID, p.instance)
		if err != nil {
			return errors.Wrapf(err, "removing listener row for %s", principalID)
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) Count(ctx context.Context, principalID string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(listeners), 0) FROM listener_sessions WHERE principal_key = $1`,
		principalID).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "counting listeners of %s", principalID)
	}
	return n, nil
}
