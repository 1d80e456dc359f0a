// Package store accesses the relational identity store over database/sql
// with the pgx driver. It is the only package that speaks SQL; everything
// above it works on neutral predicates and plain values.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver

	"github.com/memberbase/ldapbridge/internal/credential"
	"github.com/memberbase/ldapbridge/internal/directory"
	"github.com/memberbase/ldapbridge/internal/privilege"
	"github.com/memberbase/ldapbridge/internal/schema"
)

// ErrUnavailable reports that the relational store could not be reached or
// the connection pool timed out. Distinct from "no such row" so callers
// never confuse an outage with an empty result.
var ErrUnavailable = errors.New("relational store unavailable")

// Fixed tables of the identity schema that are not entity-mapped: the
// credential columns live on members, roles and grants in their own tables.
const (
	membersTable     = "members"
	memberKeyColumn  = "login"
	canonicalColumn  = "password_hash"
	cryptColumn      = "password_crypt"
	rolesTable       = "member_roles"
	rolesMemberCol   = "member_login"
	rolesRoleCol     = "role"
	grantsTable      = "role_grants"
	grantsRoleCol    = "role"
	grantsTableCol   = "table_name"
	grantsColumnCol  = "column_name"
	grantsPrivCol    = "privilege"
)

// Config carries connection parameters, read once at startup.
type Config struct {
	DSN            string
	PoolSize       int
	AcquireTimeout time.Duration
}

// Store is a bounded-pool handle on the relational store.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// Open opens the pool without blocking on connectivity; the first request
// finds out. Pool acquisition beyond PoolSize blocks only the requesting
// session, bounded by AcquireTimeout.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open relational store: %w", err)
	}
	if cfg.PoolSize > 0 {
		db.SetMaxOpenConns(cfg.PoolSize)
		db.SetMaxIdleConns(cfg.PoolSize)
	}
	db.SetConnMaxLifetime(time.Hour)

	timeout := cfg.AcquireTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Store{db: db, timeout: timeout}, nil
}

// NewWithDB wraps an existing handle; used by the sync command and tests.
func NewWithDB(db *sql.DB, timeout time.Duration) *Store {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Store{db: db, timeout: timeout}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return s.classify(err)
	}
	return nil
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// classify maps driver errors onto the bridge's error kinds. Timeouts and
// cancellations mean the pool or the backend did not answer in time.
func (s *Store) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// --- credential.Backend ---

// Credential fetches both hash columns in one read, so the pair can never
// be observed split across a concurrent SyncHash.
func (s *Store) Credential(ctx context.Context, key string) (credential.Record, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var rec credential.Record
	var crypt sql.NullString
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s, %s FROM %s WHERE %s = $1`,
			canonicalColumn, cryptColumn, membersTable, memberKeyColumn),
		key).Scan(&rec.Canonical, &crypt)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Record{}, credential.ErrNotFound
	}
	if err != nil {
		return credential.Record{}, s.classify(err)
	}
	rec.Crypt = crypt.String
	return rec, nil
}

func (s *Store) Roles(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 ORDER BY %s`,
			rolesRoleCol, rolesTable, rolesMemberCol, rolesRoleCol),
		key)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, s.classify(err)
		}
		roles = append(roles, r)
	}
	return roles, s.classify(rows.Err())
}

func (s *Store) SetCryptHash(ctx context.Context, key string, hash string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET %s = $1 WHERE %s = $2`,
			membersTable, cryptColumn, memberKeyColumn),
		hash, key)
	return s.classify(err)
}

func (s *Store) CredentialKeys(ctx context.Context) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE %s IS NOT NULL ORDER BY %s`,
			memberKeyColumn, membersTable, canonicalColumn, memberKeyColumn))
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, s.classify(err)
		}
		keys = append(keys, k)
	}
	return keys, s.classify(rows.Err())
}

// --- privilege.GrantSource ---

func (s *Store) ColumnGrants(ctx context.Context, roles []string) ([]privilege.ColumnGrant, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	placeholders := make([]string, len(roles))
	args := make([]any, len(roles))
	for i, r := range roles {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = r
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s, %s, %s, %s FROM %s WHERE %s IN (%s)`,
			grantsRoleCol, grantsTableCol, grantsColumnCol, grantsPrivCol,
			grantsTable, grantsRoleCol, joinStrings(placeholders)),
		args...)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	var grants []privilege.ColumnGrant
	for rows.Next() {
		var g privilege.ColumnGrant
		if err := rows.Scan(&g.Role, &g.Table, &g.Column, &g.Privilege); err != nil {
			return nil, s.classify(err)
		}
		grants = append(grants, g)
	}
	return grants, s.classify(rows.Err())
}

// --- entity queries ---

// Query runs one planned entity query and streams each row to fn, aligned
// with the query's columns. fn returning an error stops the scan.
func (s *Store) Query(ctx context.Context, q directory.EntityQuery, fn func(vals []sql.NullString) error) error {
	outerKey := q.Entity.Table + "." + q.Entity.KeyColumn
	where, args, err := renderPredicate(q.Pred, outerKey, 0)
	if err != nil {
		return err
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY %s`,
		joinStrings(q.Columns), q.Entity.Table, where, q.Entity.KeyColumn)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return s.classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		vals := make([]sql.NullString, len(q.Columns))
		targets := make([]any, len(vals))
		for i := range vals {
			targets[i] = &vals[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return s.classify(err)
		}
		if err := fn(vals); err != nil {
			return err
		}
	}
	return s.classify(rows.Err())
}

// JoinValues fetches the values of a join-backed attribute for one entity
// row.
func (s *Store) JoinValues(ctx context.Context, j *schema.JoinAttribute, key string) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1 ORDER BY %s`,
			j.ValueColumn, j.Table, j.ForeignKey, j.ValueColumn),
		key)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, s.classify(err)
		}
		values = append(values, v)
	}
	return values, s.classify(rows.Err())
}

// Update applies an all-or-nothing change to the entity row named by
// rdnValue: plain column writes and, when cred is non-nil, both credential
// hashes, in one transaction. The row is addressed through the RDN
// attribute's backing column, which is not necessarily the key column.
func (s *Store) Update(ctx context.Context, ent *schema.EntityMapping, rdnValue string, set map[string]string, cred *credential.Record) error {
	if len(set) == 0 && cred == nil {
		return nil
	}
	if cred != nil && ent.Table != membersTable {
		return fmt.Errorf("credential update on %s: only %s carries credentials", ent.Table, membersTable)
	}
	rdnCol, ok := ent.Column(ent.RDNAttribute)
	if !ok {
		return fmt.Errorf("entity %s: naming attribute %s has no backing column", ent.Name, ent.RDNAttribute)
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	assign := make([]string, 0, len(set)+2)
	args := make([]any, 0, len(set)+3)
	i := 1
	for col, val := range set {
		assign = append(assign, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, val)
		i++
	}
	if cred != nil {
		assign = append(assign, fmt.Sprintf("%s = $%d", canonicalColumn, i))
		args = append(args, cred.Canonical)
		i++
		assign = append(assign, fmt.Sprintf("%s = $%d", cryptColumn, i))
		args = append(args, cred.Crypt)
		i++
	}
	args = append(args, rdnValue)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(err)
	}
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET %s WHERE lower(%s) = lower($%d)`,
			ent.Table, joinStrings(assign), rdnCol, i),
		args...)
	if err != nil {
		tx.Rollback()
		return s.classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return sql.ErrNoRows
	}
	return s.classify(tx.Commit())
}

func joinStrings(parts []string) string {
	return strings.Join(parts, ", ")
}
