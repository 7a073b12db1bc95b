package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"pledgerails/internal/eventlog"
	"pledgerails/internal/pledge"
)

const globalHead = "*"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
    address TEXT PRIMARY KEY,
    balance BIGINT NOT NULL CHECK (balance >= 0)
)`,
	`CREATE TABLE IF NOT EXISTS pledges (
    id BIGINT PRIMARY KEY,
    creator TEXT NOT NULL,
    description TEXT NOT NULL,
    stake BIGINT NOT NULL CHECK (stake > 0),
    deadline BIGINT NOT NULL,
    status SMALLINT NOT NULL,
    created_at BIGINT NOT NULL,
    completed_at BIGINT NOT NULL DEFAULT 0,
    settled_at BIGINT NOT NULL DEFAULT 0,
    settled_by TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS pledges_creator_idx ON pledges (creator, id)`,
	`CREATE INDEX IF NOT EXISTS pledges_due_idx ON pledges (status, deadline)`,
	`CREATE TABLE IF NOT EXISTS active_pledges (
    creator TEXT PRIMARY KEY,
    pledge_id BIGINT NOT NULL UNIQUE REFERENCES pledges (id)
)`,
	`CREATE TABLE IF NOT EXISTS events (
    seq BIGINT PRIMARY KEY,
    handle TEXT NOT NULL,
    handle_seq BIGINT NOT NULL,
    type TEXT NOT NULL,
    pledge_id BIGINT NOT NULL DEFAULT 0,
    account TEXT NOT NULL,
    attributes TEXT NOT NULL,
    ts BIGINT NOT NULL,
    prev_hash TEXT NOT NULL,
    hash TEXT NOT NULL,
    published_at BIGINT,
    archive_key TEXT NOT NULL DEFAULT '',
    UNIQUE (handle, handle_seq)
)`,
	`CREATE INDEX IF NOT EXISTS events_published_idx ON events (published_at, seq)`,
	`CREATE TABLE IF NOT EXISTS event_heads (
    name TEXT PRIMARY KEY,
    seq BIGINT NOT NULL,
    hash TEXT NOT NULL DEFAULT ''
)`,
	`INSERT INTO event_heads (name, seq, hash) VALUES ('*', 0, '') ON CONFLICT (name) DO NOTHING`,
}

type dialect struct {
	name      string
	numbered  bool // $1 placeholders instead of ?
	forUpdate string
	isolation sql.IsolationLevel
	readOnly  bool
	retryable func(error) bool
}

var sqliteDialect = dialect{
	name:      "sqlite",
	isolation: sql.LevelDefault,
	retryable: sqliteRetryable,
}

var postgresDialect = dialect{
	name:      "postgres",
	numbered:  true,
	forUpdate: " FOR UPDATE",
	isolation: sql.LevelSerializable,
	readOnly:  true,
	retryable: postgresRetryable,
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func sqliteRetryable(err error) bool {
	var e *sqlite.Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func postgresRetryable(err error) bool {
	var e *pgconn.PgError
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case "40001", "40P01", "23505":
		// serialization_failure, deadlock_detected, unique_violation: a
		// concurrent writer won; the retry re-reads and decides again.
		return true
	}
	return false
}

// SQLConfig tunes the retry loop around serializable transactions.
type SQLConfig struct {
	MaxAttempts  int
	RetryBackoff time.Duration
}

// SQLStore is the database/sql backend for SQLite and Postgres.
type SQLStore struct {
	db          *sql.DB
	dialect     dialect
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

// OpenSQLite opens (creating if needed) a SQLite database file and migrates
// it. Writers take the database lock at BEGIN and share a single connection.
func OpenSQLite(ctx context.Context, path string, cfg SQLConfig, logger *slog.Logger) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	dsn := "file:" + path + "?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return open(ctx, db, sqliteDialect, cfg, logger)
}

// OpenPostgres connects through the pgx database/sql driver and migrates.
func OpenPostgres(ctx context.Context, dsn string, cfg SQLConfig, logger *slog.Logger) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return open(ctx, db, postgresDialect, cfg, logger)
}

func open(ctx context.Context, db *sql.DB, d dialect, cfg SQLConfig, logger *slog.Logger) (*SQLStore, error) {
	s := newSQLStore(db, d, cfg, logger)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newSQLStore(db *sql.DB, d dialect, cfg SQLConfig, logger *slog.Logger) *SQLStore {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 20 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{
		db:          db,
		dialect:     d,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.RetryBackoff,
		logger:      logger.With("component", "store."+d.name),
	}
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, fn func(Tx) error) error {
	return s.withRetry(ctx, false, func(tx *sql.Tx) error {
		return fn(&sqlTx{tx: tx, d: s.dialect, lock: s.dialect.forUpdate})
	})
}

func (s *SQLStore) View(ctx context.Context, fn func(Reader) error) error {
	return s.withRetry(ctx, s.dialect.readOnly, func(tx *sql.Tx) error {
		return fn(&sqlTx{tx: tx, d: s.dialect})
	})
}

func (s *SQLStore) withRetry(ctx context.Context, readOnly bool, fn func(*sql.Tx) error) error {
	backoff := s.backoff
	for attempt := 1; ; attempt++ {
		err := s.runTx(ctx, readOnly, fn)
		if err == nil {
			return nil
		}
		if !s.dialect.retryable(err) {
			return classify(ctx, err)
		}
		if attempt >= s.maxAttempts {
			s.logger.Warn("transaction retries exhausted", "attempts", attempt, "error", err)
			return fmt.Errorf("%w: %d attempts: %v", pledge.ErrStoreUnavailable, attempt, err)
		}
		s.logger.Debug("retrying transaction", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (s *SQLStore) runTx(ctx context.Context, readOnly bool, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: s.dialect.isolation, ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// classify leaves domain and context errors alone and reports anything the
// driver produced as an unavailable store.
func classify(ctx context.Context, err error) error {
	if _, ok := pledge.AsError(err); ok {
		return err
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}
	return fmt.Errorf("%w: %v", pledge.ErrStoreUnavailable, err)
}

func (s *SQLStore) PendingEvents(ctx context.Context, limit int) ([]eventlog.Event, error) {
	if limit <= 0 {
		limit = pledge.MaxListLimit
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT `+eventColumns+` FROM events WHERE published_at IS NULL ORDER BY seq LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("pending events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLStore) MarkPublished(ctx context.Context, seq uint64, archiveKey string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE events SET published_at = ?, archive_key = ? WHERE seq = ?`), at.Unix(), archiveKey, int64(seq))
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("mark published: unknown seq %d", seq)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", pledge.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

type sqlTx struct {
	tx   *sql.Tx
	d    dialect
	lock string // row-lock suffix, empty for read-only transactions
}

const pledgeColumns = `id, creator, description, stake, deadline, status, created_at, completed_at, settled_at, settled_by`

const eventColumns = `seq, handle, handle_seq, type, pledge_id, account, attributes, ts, prev_hash, hash`

type scanner interface {
	Scan(dest ...any) error
}

func scanPledge(row scanner) (pledge.Pledge, error) {
	var (
		p                  pledge.Pledge
		id, stake          int64
		creator, settledBy string
		status             int
	)
	if err := row.Scan(&id, &creator, &p.Description, &stake, &p.Deadline, &status,
		&p.CreatedAt, &p.CompletedAt, &p.SettledAt, &settledBy); err != nil {
		return pledge.Pledge{}, err
	}
	p.ID = pledge.ID(id)
	p.Creator = common.HexToAddress(creator)
	p.Stake = uint64(stake)
	p.Status = pledge.Status(status)
	if settledBy != "" {
		p.SettledBy = common.HexToAddress(settledBy)
	}
	return p, nil
}

func scanEvents(rows *sql.Rows) ([]eventlog.Event, error) {
	var out []eventlog.Event
	for rows.Next() {
		var (
			ev                       eventlog.Event
			seq, handleSeq, pledgeID int64
			account, attrs           string
		)
		if err := rows.Scan(&seq, &ev.Handle, &handleSeq, &ev.Type, &pledgeID, &account, &attrs,
			&ev.Timestamp, &ev.PrevHash, &ev.Hash); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Seq = uint64(seq)
		ev.HandleSeq = uint64(handleSeq)
		ev.PledgeID = pledge.ID(pledgeID)
		ev.Account = common.HexToAddress(account)
		if err := json.Unmarshal([]byte(attrs), &ev.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes of seq %d: %w", seq, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (t *sqlTx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.d.rebind(query), args...)
}

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.d.rebind(query), args...)
}

func (t *sqlTx) Balance(ctx context.Context, addr common.Address) (uint64, error) {
	var bal int64
	err := t.queryRow(ctx, `SELECT balance FROM accounts WHERE address = ?`+t.lock, addr.Hex()).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance of %s: %w", addr.Hex(), err)
	}
	return uint64(bal), nil
}

func (t *sqlTx) Pledge(ctx context.Context, id pledge.ID) (pledge.Pledge, error) {
	p, err := scanPledge(t.queryRow(ctx, `SELECT `+pledgeColumns+` FROM pledges WHERE id = ?`+t.lock, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return pledge.Pledge{}, fmt.Errorf("%w: pledge %d", pledge.ErrNotFound, id)
	}
	if err != nil {
		return pledge.Pledge{}, fmt.Errorf("load pledge %d: %w", id, err)
	}
	return p, nil
}

func (t *sqlTx) LatestPledge(ctx context.Context, creator common.Address) (pledge.Pledge, error) {
	p, err := scanPledge(t.queryRow(ctx,
		`SELECT `+pledgeColumns+` FROM pledges WHERE creator = ? ORDER BY id DESC LIMIT 1`+t.lock, creator.Hex()))
	if errors.Is(err, sql.ErrNoRows) {
		return pledge.Pledge{}, fmt.Errorf("%w: no pledge for %s", pledge.ErrNotFound, creator.Hex())
	}
	if err != nil {
		return pledge.Pledge{}, fmt.Errorf("latest pledge of %s: %w", creator.Hex(), err)
	}
	return p, nil
}

func (t *sqlTx) ActivePledge(ctx context.Context, creator common.Address) (pledge.Pledge, error) {
	var id int64
	err := t.queryRow(ctx, `SELECT pledge_id FROM active_pledges WHERE creator = ?`+t.lock, creator.Hex()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return pledge.Pledge{}, fmt.Errorf("%w: no active pledge for %s", pledge.ErrNotFound, creator.Hex())
	}
	if err != nil {
		return pledge.Pledge{}, fmt.Errorf("active pledge of %s: %w", creator.Hex(), err)
	}
	return t.Pledge(ctx, pledge.ID(id))
}

func (t *sqlTx) queryPledges(ctx context.Context, query string, args ...any) ([]pledge.Pledge, error) {
	rows, err := t.tx.QueryContext(ctx, t.d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query pledges: %w", err)
	}
	defer rows.Close()
	var out []pledge.Pledge
	for rows.Next() {
		p, err := scanPledge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pledge: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *sqlTx) ListPledges(ctx context.Context, f pledge.Filter) ([]pledge.Pledge, error) {
	f = f.Normalize()
	where := []string{"id > ?"}
	args := []any{int64(f.AfterID)}
	if f.Creator != nil {
		where = append(where, "creator = ?")
		args = append(args, f.Creator.Hex())
	}
	if f.Status != 0 {
		where = append(where, "status = ?")
		args = append(args, int(f.Status))
	}
	args = append(args, f.Limit)
	return t.queryPledges(ctx, `SELECT `+pledgeColumns+` FROM pledges WHERE `+
		strings.Join(where, " AND ")+` ORDER BY id LIMIT ?`, args...)
}

func (t *sqlTx) DuePledges(ctx context.Context, cutoff int64, limit int) ([]pledge.Pledge, error) {
	query := `SELECT ` + pledgeColumns + ` FROM pledges WHERE status = ? AND deadline < ? ORDER BY deadline, id`
	args := []any{int(pledge.StatusOngoing), cutoff}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return t.queryPledges(ctx, query, args...)
}

func (t *sqlTx) Events(ctx context.Context, handle string, offset uint64, limit int) ([]eventlog.Event, error) {
	rows, err := t.tx.QueryContext(ctx, t.d.rebind(
		`SELECT `+eventColumns+` FROM events WHERE handle = ? AND handle_seq >= ? ORDER BY handle_seq LIMIT ?`),
		handle, int64(offset), eventlog.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (t *sqlTx) Head(ctx context.Context) (Head, error) {
	var (
		seq  int64
		hash string
	)
	err := t.queryRow(ctx, `SELECT seq, hash FROM event_heads WHERE name = ?`+t.lock, globalHead).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Head{}, nil
	}
	if err != nil {
		return Head{}, fmt.Errorf("event head: %w", err)
	}
	return Head{Seq: uint64(seq), Hash: hash}, nil
}

func (t *sqlTx) setBalance(ctx context.Context, addr common.Address, bal uint64) error {
	_, err := t.exec(ctx, `INSERT INTO accounts (address, balance) VALUES (?, ?)
ON CONFLICT (address) DO UPDATE SET balance = excluded.balance`, addr.Hex(), int64(bal))
	if err != nil {
		return fmt.Errorf("write balance of %s: %w", addr.Hex(), err)
	}
	return nil
}

func (t *sqlTx) Transfer(ctx context.Context, from, to common.Address, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: transfer of zero", pledge.ErrInvalidAmount)
	}
	fromBal, err := t.Balance(ctx, from)
	if err != nil {
		return err
	}
	if fromBal < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", pledge.ErrInsufficientFunds, from.Hex(), fromBal, amount)
	}
	if from == to {
		return nil
	}
	toBal, err := t.Balance(ctx, to)
	if err != nil {
		return err
	}
	credited, err := addBalance(toBal, amount)
	if err != nil {
		return err
	}
	if err := t.setBalance(ctx, from, fromBal-amount); err != nil {
		return err
	}
	return t.setBalance(ctx, to, credited)
}

func (t *sqlTx) Mint(ctx context.Context, to common.Address, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: mint of zero", pledge.ErrInvalidAmount)
	}
	bal, err := t.Balance(ctx, to)
	if err != nil {
		return err
	}
	credited, err := addBalance(bal, amount)
	if err != nil {
		return err
	}
	return t.setBalance(ctx, to, credited)
}

func (t *sqlTx) InsertPledge(ctx context.Context, p pledge.Pledge) (pledge.Pledge, error) {
	if _, err := t.ActivePledge(ctx, p.Creator); err == nil {
		return pledge.Pledge{}, fmt.Errorf("%w: %s", pledge.ErrDuplicateActivePledge, p.Creator.Hex())
	} else if !errors.Is(err, pledge.ErrNotFound) {
		return pledge.Pledge{}, err
	}

	var maxID int64
	if err := t.queryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM pledges`).Scan(&maxID); err != nil {
		return pledge.Pledge{}, fmt.Errorf("allocate pledge id: %w", err)
	}
	p.ID = pledge.ID(maxID + 1)

	settledBy := ""
	if p.SettledBy != (common.Address{}) {
		settledBy = p.SettledBy.Hex()
	}
	if _, err := t.exec(ctx, `INSERT INTO pledges (`+pledgeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(p.ID), p.Creator.Hex(), p.Description, int64(p.Stake), p.Deadline, int(p.Status),
		p.CreatedAt, p.CompletedAt, p.SettledAt, settledBy); err != nil {
		return pledge.Pledge{}, fmt.Errorf("insert pledge: %w", err)
	}
	if _, err := t.exec(ctx, `INSERT INTO active_pledges (creator, pledge_id) VALUES (?, ?)`,
		p.Creator.Hex(), int64(p.ID)); err != nil {
		return pledge.Pledge{}, fmt.Errorf("occupy active slot: %w", err)
	}
	return p, nil
}

func (t *sqlTx) SettlePledge(ctx context.Context, p pledge.Pledge) error {
	prev, err := t.Pledge(ctx, p.ID)
	if err != nil {
		return err
	}
	if err := checkSettle(prev, p); err != nil {
		return err
	}
	res, err := t.exec(ctx, `UPDATE pledges SET status = ?, completed_at = ?, settled_at = ?, settled_by = ?
WHERE id = ? AND status = ?`,
		int(p.Status), p.CompletedAt, p.SettledAt, p.SettledBy.Hex(), int64(p.ID), int(pledge.StatusOngoing))
	if err != nil {
		return fmt.Errorf("settle pledge %d: %w", p.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return fmt.Errorf("%w: pledge %d changed concurrently", pledge.ErrAlreadyTerminal, p.ID)
	}
	if _, err := t.exec(ctx, `DELETE FROM active_pledges WHERE creator = ? AND pledge_id = ?`,
		p.Creator.Hex(), int64(p.ID)); err != nil {
		return fmt.Errorf("free active slot: %w", err)
	}
	return nil
}

func (t *sqlTx) AppendEvent(ctx context.Context, ev eventlog.Event) (eventlog.Event, error) {
	head, err := t.Head(ctx)
	if err != nil {
		return eventlog.Event{}, err
	}
	var next int64
	err = t.queryRow(ctx, `SELECT seq FROM event_heads WHERE name = ?`+t.lock, ev.Handle).Scan(&next)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return eventlog.Event{}, fmt.Errorf("handle head %s: %w", ev.Handle, err)
	}

	ev = ev.Clone()
	ev.Seq = head.Seq + 1
	ev.HandleSeq = uint64(next)
	if err := eventlog.Seal(&ev, head.Hash); err != nil {
		return eventlog.Event{}, err
	}
	attrs, err := json.Marshal(ev.Attributes)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("encode attributes: %w", err)
	}

	if _, err := t.exec(ctx, `INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(ev.Seq), ev.Handle, int64(ev.HandleSeq), ev.Type, int64(ev.PledgeID), ev.Account.Hex(),
		string(attrs), ev.Timestamp, ev.PrevHash, ev.Hash); err != nil {
		return eventlog.Event{}, fmt.Errorf("insert event: %w", err)
	}
	const upsertHead = `INSERT INTO event_heads (name, seq, hash) VALUES (?, ?, ?)
ON CONFLICT (name) DO UPDATE SET seq = excluded.seq, hash = excluded.hash`
	if _, err := t.exec(ctx, upsertHead, globalHead, int64(ev.Seq), ev.Hash); err != nil {
		return eventlog.Event{}, fmt.Errorf("advance event head: %w", err)
	}
	if _, err := t.exec(ctx, upsertHead, ev.Handle, next+1, ev.Hash); err != nil {
		return eventlog.Event{}, fmt.Errorf("advance handle head: %w", err)
	}
	return ev, nil
}
