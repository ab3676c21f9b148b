// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persist

import (
	"context"
	"embed"
	"strings"
	"sync"
	"time"

	"github.com/matta/mailwatch/internal/watch"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres is a watch.Store shared by every instance of the service.
// The cursor column holds orderedToSigned values so GREATEST() orders
// them the same way the provider does.
type Postgres struct {
	pool *pgxpool.Pool
	log  *logrus.Entry
}

var _ watch.Store = (*Postgres)(nil)

// Migrate applies every pending schema migration to the database at
// url.
func Migrate(url string, log *logrus.Entry) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "loading embedded migrations")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(url))
	if err != nil {
		return errors.Wrap(err, "connecting migrator")
	}
	defer m.Close()

	err = m.Up()
	if err == migrate.ErrNoChange {
		log.Debug("schema up to date")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "applying migrations")
	}
	version, _, _ := m.Version()
	log.WithField("version", version).Info("schema migrated")
	return nil
}

// migrateURL rewrites a libpq style URL to the scheme registered by
// the migrate pgx/v5 driver.
func migrateURL(url string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(url, prefix) {
			return "pgx5://" + strings.TrimPrefix(url, prefix)
		}
	}
	return url
}

// OpenPostgres migrates the schema and connects a pool to url.
func OpenPostgres(ctx context.Context, url string, log *logrus.Entry) (*Postgres, error) {
	if err := Migrate(url, log); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}
	return &Postgres{pool: pool, log: log}, nil
}

// Pool exposes the connection pool for components that share it, such
// as the session registry and the advisory locker.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func scanPGRecord(row pgx.Row) (*watch.Record, error) {
	var (
		r           watch.Record
		cursor      int64
		state       string
		lastErrorAt *time.Time
	)
	err := row.Scan(&r.PrincipalID, &r.Account, &r.SubscriptionID, &cursor,
		&r.LabelFilter.Include, &r.LabelFilter.Exclude, &state,
		&r.ExpiresAt, &r.CreatedAt, &r.LastRenewedAt,
		&r.Stats.NotificationsReceived, &r.Stats.MessagesProcessed,
		&r.Stats.ErrorCount, &r.Stats.LastError, &lastErrorAt)
	if err != nil {
		return nil, err
	}
	r.Cursor = orderedToUnsigned(cursor)
	r.State = watch.State(state)
	r.ExpiresAt = r.ExpiresAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.LastRenewedAt = r.LastRenewedAt.UTC()
	if lastErrorAt != nil {
		t := lastErrorAt.UTC()
		r.Stats.LastErrorAt = &t
	}
	if len(r.LabelFilter.Include) == 0 {
		r.LabelFilter.Include = nil
	}
	if len(r.LabelFilter.Exclude) == 0 {
		r.LabelFilter.Exclude = nil
	}
	return &r, nil
}

func (p *Postgres) queryOne(ctx context.Context, where string, args ...interface{}) (*watch.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM watch_records ` + where + ` LIMIT 1`
	r, err := scanPGRecord(p.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, watch.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db query failed")
	}
	return r, nil
}

func (p *Postgres) Get(ctx context.Context, principalID string) (*watch.Record, error) {
	return p.queryOne(ctx, `WHERE principal_id = $1`, principalID)
}

func (p *Postgres) FindByAccount(ctx context.Context, account string, activeOnly bool) (*watch.Record, error) {
	if activeOnly {
		return p.queryOne(ctx,
			`WHERE account = $1 AND state IN ('active', 'renewing', 'erroring')
			ORDER BY created_at DESC`, account)
	}
	return p.queryOne(ctx, `WHERE account = $1 ORDER BY created_at DESC`, account)
}

func (p *Postgres) FindBySubscription(ctx context.Context, subscriptionID string) (*watch.Record, error) {
	return p.queryOne(ctx, `WHERE subscription_id = $1`, subscriptionID)
}

func labelsOrEmpty(labels []string) []string {
	if labels == nil {
		return []string{}
	}
	return labels
}

func (p *Postgres) Save(ctx context.Context, r *watch.Record) error {
	const upsert = `
INSERT INTO watch_records (` + recordColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (principal_id) DO UPDATE SET
	account = excluded.account,
	cursor = CASE
		WHEN watch_records.subscription_id = excluded.subscription_id
		THEN GREATEST(watch_records.cursor, excluded.cursor)
		ELSE excluded.cursor END,
	subscription_id = excluded.subscription_id,
	label_include = excluded.label_include,
	label_exclude = excluded.label_exclude,
	state = excluded.state,
	expires_at = excluded.expires_at,
	created_at = excluded.created_at,
	last_renewed_at = excluded.last_renewed_at,
	notifications_received = excluded.notifications_received,
	messages_processed = excluded.messages_processed,
	error_count = excluded.error_count,
	last_error = excluded.last_error,
	last_error_at = excluded.last_error_at`
	_, err := p.pool.Exec(ctx, upsert,
		r.PrincipalID, r.Account, r.SubscriptionID, orderedToSigned(r.Cursor),
		labelsOrEmpty(r.LabelFilter.Include), labelsOrEmpty(r.LabelFilter.Exclude),
		string(r.State), r.ExpiresAt, r.CreatedAt, r.LastRenewedAt,
		r.Stats.NotificationsReceived, r.Stats.MessagesProcessed,
		r.Stats.ErrorCount, r.Stats.LastError, r.Stats.LastErrorAt)
	if err != nil {
		return errors.Wrapf(err, "db upsert failed for %s", r.PrincipalID)
	}
	return nil
}

func (p *Postgres) CompleteCycle(ctx context.Context, principalID string, c watch.Cycle) (uint64, error) {
	const update = `
UPDATE watch_records SET
	cursor = GREATEST(cursor, $2),
	notifications_received = notifications_received + $3,
	messages_processed = messages_processed + $4
WHERE principal_id = $1
RETURNING cursor`
	var stored int64
	err := p.pool.QueryRow(ctx, update, principalID,
		orderedToSigned(c.Cursor), c.Notifications, c.Messages).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, watch.ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "db update failed in CompleteCycle")
	}
	return orderedToUnsigned(stored), nil
}

func (p *Postgres) RecordError(ctx context.Context, principalID, msg string, at time.Time) error {
	const update = `
UPDATE watch_records SET
	error_count = error_count + 1,
	last_error = $2,
	last_error_at = $3,
	state = CASE WHEN state IN ('active', 'renewing') THEN 'erroring' ELSE state END
WHERE principal_id = $1`
	tag, err := p.pool.Exec(ctx, update, principalID, msg, at)
	if err != nil {
		return errors.Wrap(err, "db update failed in RecordError")
	}
	if tag.RowsAffected() == 0 {
		return watch.ErrNotFound
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, q watch.Query) ([]*watch.Record, error) {
	stmt := `SELECT ` + recordColumns + ` FROM watch_records WHERE true`
	var args []interface{}
	if q.ActiveOnly {
		stmt += ` AND state IN ('active', 'renewing', 'erroring')`
	}
	if !q.ExpiringBefore.IsZero() {
		args = append(args, q.ExpiringBefore)
		stmt += ` AND expires_at < $1`
	}
	stmt += ` ORDER BY principal_id`

	rows, err := p.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrap(err, "db query failed in List")
	}
	defer rows.Close()

	var out []*watch.Record
	for rows.Next() {
		r, err := scanPGRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "db scan failed in List")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "db iteration failed in List")
}

// AdvisoryLocker is a watch.Locker that serializes a principal across
// every instance sharing the database.  Each held key pins one pool
// connection, so keys are first serialized in-process.
type AdvisoryLocker struct {
	pool  *pgxpool.Pool
	local *watch.KeyedMutex
}

var _ watch.Locker = (*AdvisoryLocker)(nil)

func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool, local: watch.NewKeyedMutex()}
}

func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		unlockLocal()
		return nil, errors.Wrap(err, "acquiring connection for advisory lock")
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		conn.Release()
		unlockLocal()
		return nil, errors.Wrapf(err, "advisory lock %q", key)
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.unlock(conn, key, unlockLocal) })
	}, nil
}

func (l *AdvisoryLocker) unlock(conn *pgxpool.Conn, key string, unlockLocal func()) {
	// The session lock must be released on the connection that took
	// it, even if the caller's context is gone.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
		// Closing the connection drops every session lock.
		conn.Conn().Close(ctx)
	}
	conn.Release()
	unlockLocal()
}
