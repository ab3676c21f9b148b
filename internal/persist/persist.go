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
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/matta/mailwatch/internal/watch"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	createTableSql = []string{
		// The watch_records table holds one row per principal.
		//
		// Field: principal_id
		//
		//   Opaque identifier of the owning account.  The row is
		//   kept after the watch stops (state 'stopped') so later
		//   notifications for the account can be recognized as
		//   known-but-stopped.
		//
		// Field: account
		//
		//   The mailbox address the watch observes.  GMail API:
		//   Users.getProfile "emailAddress", and the "emailAddress"
		//   field of every push notification.
		//
		// Field: subscription_id
		//
		//   Identifier issued when the watch was created or last
		//   renewed.
		//
		// Field: cursor
		//
		//   GMail API: Users.history "historyId".  Stored through
		//   orderedToSigned so that SQL MAX() orders it correctly.
		//   Never decreases while subscription_id is unchanged.
		//
		// Field: label_include, label_exclude
		//
		//   JSON arrays of label IDs.
		//
		// Fields: expires_at, created_at, last_renewed_at,
		// last_error_at
		//
		//   Unix microseconds.  last_error_at is NULL until the
		//   first error.
		`
CREATE TABLE IF NOT EXISTS watch_records (
principal_id TEXT NOT NULL PRIMARY KEY,
account TEXT NOT NULL,
subscription_id TEXT NOT NULL,
cursor INTEGER NOT NULL,
label_include TEXT NOT NULL,
label_exclude TEXT NOT NULL,
state TEXT NOT NULL,
expires_at INTEGER NOT NULL,
created_at INTEGER NOT NULL,
last_renewed_at INTEGER NOT NULL,
notifications_received INTEGER NOT NULL DEFAULT 0,
messages_processed INTEGER NOT NULL DEFAULT 0,
error_count INTEGER NOT NULL DEFAULT 0,
last_error TEXT NOT NULL DEFAULT '',
last_error_at INTEGER
);`,
		`CREATE INDEX IF NOT EXISTS watch_records_account ON watch_records (account, created_at);`,
		`CREATE INDEX IF NOT EXISTS watch_records_subscription ON watch_records (subscription_id);`,
	}
)

const recordColumns = `principal_id, account, subscription_id, cursor,
label_include, label_exclude, state, expires_at, created_at,
last_renewed_at, notifications_received, messages_processed,
error_count, last_error, last_error_at`

// DB is the SQLite implementation of watch.Store.
type DB struct {
	db  *sql.DB
	log *logrus.Entry
}

// Tx is a transaction on DB.
type Tx struct {
	tx *sql.Tx
}

var _ watch.Store = (*DB)(nil)

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens the SQLite database at path, creating the schema if
// needed.  The caller must import the sqlite3 driver.
func Open(ctx context.Context, path string, log *logrus.Entry) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short for a store shared by the webhook, the
	// poller and the scheduler; go with 1 minute.
	var busyTimeout = int(time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_journal_mode": {"WAL"}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	log.WithField("dsn", dsn).Info("opening database")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db, log); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db: db, log: log}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

func initSchema(ctx context.Context, db *sql.DB, log *logrus.Entry) error {
	for _, sql := range createTableSql {
		log.Debugf("SQL Exec: %q", sql)
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}

	return nil
}

func orderedToSigned(u uint64) int64 {
	return int64(u - -math.MinInt64) // Imagine 0..255 -> -128..127
}

func orderedToUnsigned(s int64) uint64 {
	return uint64(s) + -math.MinInt64 // Imagine -128..127 -> 0..255
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

func encodeLabels(labels []string) string {
	if labels == nil {
		labels = []string{}
	}
	b, _ := json.Marshal(labels)
	return string(b)
}

func decodeLabels(s string) ([]string, error) {
	var labels []string
	if err := json.Unmarshal([]byte(s), &labels); err != nil {
		return nil, errors.Wrapf(err, "decoding labels %q", s)
	}
	if len(labels) == 0 {
		return nil, nil
	}
	return labels, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*watch.Record, error) {
	var (
		r                         watch.Record
		cursor                    int64
		include, exclude, state   string
		expires, created, renewed int64
		lastErrorAt               sql.NullInt64
	)
	err := row.Scan(&r.PrincipalID, &r.Account, &r.SubscriptionID, &cursor,
		&include, &exclude, &state, &expires, &created, &renewed,
		&r.Stats.NotificationsReceived, &r.Stats.MessagesProcessed,
		&r.Stats.ErrorCount, &r.Stats.LastError, &lastErrorAt)
	if err != nil {
		return nil, err
	}
	r.Cursor = orderedToUnsigned(cursor)
	r.State = watch.State(state)
	r.ExpiresAt = fromMicros(expires)
	r.CreatedAt = fromMicros(created)
	r.LastRenewedAt = fromMicros(renewed)
	if lastErrorAt.Valid {
		t := fromMicros(lastErrorAt.Int64)
		r.Stats.LastErrorAt = &t
	}
	if r.LabelFilter.Include, err = decodeLabels(include); err != nil {
		return nil, err
	}
	if r.LabelFilter.Exclude, err = decodeLabels(exclude); err != nil {
		return nil, err
	}
	return &r, nil
}

func (db *DB) queryOne(ctx context.Context, where string, args ...interface{}) (*watch.Record, error) {
	q := `SELECT ` + recordColumns + ` FROM watch_records ` + where + ` LIMIT 1`
	r, err := scanRecord(db.db.QueryRowContext(ctx, q, args...))
	if err == sql.ErrNoRows {
		return nil, watch.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db query failed")
	}
	return r, nil
}

func (db *DB) Get(ctx context.Context, principalID string) (*watch.Record, error) {
	return db.queryOne(ctx, `WHERE principal_id = ?`, principalID)
}

func (db *DB) FindByAccount(ctx context.Context, account string, activeOnly bool) (*watch.Record, error) {
	if activeOnly {
		return db.queryOne(ctx,
			`WHERE account = ? AND state IN ('active', 'renewing', 'erroring')
			ORDER BY created_at DESC`, account)
	}
	return db.queryOne(ctx, `WHERE account = ? ORDER BY created_at DESC`, account)
}

func (db *DB) FindBySubscription(ctx context.Context, subscriptionID string) (*watch.Record, error) {
	return db.queryOne(ctx, `WHERE subscription_id = ?`, subscriptionID)
}

func (db *DB) Save(ctx context.Context, r *watch.Record) error {
	const upsert = `
INSERT INTO watch_records (` + recordColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (principal_id) DO UPDATE SET
	account = excluded.account,
	cursor = CASE
		WHEN watch_records.subscription_id = excluded.subscription_id
		THEN MAX(watch_records.cursor, excluded.cursor)
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
	var lastErrorAt sql.NullInt64
	if r.Stats.LastErrorAt != nil {
		lastErrorAt = sql.NullInt64{Int64: toMicros(*r.Stats.LastErrorAt), Valid: true}
	}
	_, err := db.db.ExecContext(ctx, upsert,
		r.PrincipalID, r.Account, r.SubscriptionID, orderedToSigned(r.Cursor),
		encodeLabels(r.LabelFilter.Include), encodeLabels(r.LabelFilter.Exclude),
		string(r.State), toMicros(r.ExpiresAt), toMicros(r.CreatedAt),
		toMicros(r.LastRenewedAt), r.Stats.NotificationsReceived,
		r.Stats.MessagesProcessed, r.Stats.ErrorCount, r.Stats.LastError,
		lastErrorAt)
	if err != nil {
		return errors.Wrapf(err, "db upsert failed for %s", r.PrincipalID)
	}
	return nil
}

func (db *DB) CompleteCycle(ctx context.Context, principalID string, c watch.Cycle) (uint64, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cursor, err := tx.completeCycle(ctx, principalID, c)
	if err != nil {
		return 0, err
	}
	return cursor, tx.Commit()
}

func (tx *Tx) completeCycle(ctx context.Context, principalID string, c watch.Cycle) (uint64, error) {
	const update = `
UPDATE watch_records SET
	cursor = MAX(cursor, ?),
	notifications_received = notifications_received + ?,
	messages_processed = messages_processed + ?
WHERE principal_id = ?`
	res, err := tx.tx.ExecContext(ctx, update, orderedToSigned(c.Cursor),
		c.Notifications, c.Messages, principalID)
	if err != nil {
		return 0, errors.Wrap(err, "db update failed in CompleteCycle")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, watch.ErrNotFound
	}
	var stored int64
	err = tx.tx.QueryRowContext(ctx,
		`SELECT cursor FROM watch_records WHERE principal_id = ?`,
		principalID).Scan(&stored)
	if err != nil {
		return 0, errors.Wrap(err, "db select failed in CompleteCycle")
	}
	return orderedToUnsigned(stored), nil
}

func (db *DB) RecordError(ctx context.Context, principalID, msg string, at time.Time) error {
	const update = `
UPDATE watch_records SET
	error_count = error_count + 1,
	last_error = ?,
	last_error_at = ?,
	state = CASE WHEN state IN ('active', 'renewing') THEN 'erroring' ELSE state END
WHERE principal_id = ?`
	res, err := db.db.ExecContext(ctx, update, msg, toMicros(at), principalID)
	if err != nil {
		return errors.Wrap(err, "db update failed in RecordError")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return watch.ErrNotFound
	}
	return nil
}

func (db *DB) List(ctx context.Context, q watch.Query) ([]*watch.Record, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.ActiveOnly {
		where = append(where, `state IN ('active', 'renewing', 'erroring')`)
	}
	if !q.ExpiringBefore.IsZero() {
		args = append(args, toMicros(q.ExpiringBefore))
		where = append(where, `expires_at < ?`)
	}
	stmt := `SELECT ` + recordColumns + ` FROM watch_records`
	if len(where) > 0 {
		stmt += ` WHERE ` + strings.Join(where, ` AND `)
	}
	stmt += ` ORDER BY principal_id`

	rows, err := db.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrap(err, "db query failed in List")
	}
	defer rows.Close()

	var out []*watch.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "db scan failed in List")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "db iteration failed in List")
}
