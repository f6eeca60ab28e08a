// Package sink applies the change batches of a view to external databases.
package sink

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/lib/pq"

	"github.com/IEatCodeDaily/feldera-pipe/pkg/format"
	"github.com/IEatCodeDaily/feldera-pipe/pkg/output"
)

var logger = loggo.GetLogger("feldera.sink")

// Valid identifier pattern (alphanumeric, underscore, max 63 chars for PostgreSQL)
var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// PostgreSQLSink implements the relay.Sink interface for PostgreSQL. Rows with
// a positive weight are upserted on the key columns, rows with a negative
// weight are deleted by key. Without key columns a delete removes one row
// equal to the deleted one.
type PostgreSQLSink struct {
	connStr string
	table   string
	keys    []string
	db      *sql.DB
	logger  loggo.Logger
}

// NewPostgreSQLSink creates a new PostgreSQL sink
func NewPostgreSQLSink(connStr, table string, keys ...string) *PostgreSQLSink {
	return &PostgreSQLSink{
		connStr: connStr,
		table:   table,
		keys:    keys,
		logger:  logger,
	}
}

// Connect establishes connection to PostgreSQL
func (p *PostgreSQLSink) Connect(ctx context.Context) error {
	p.logger.Infof("connecting to PostgreSQL")

	// Identifiers are interpolated into queries.
	if !validTableName.MatchString(p.table) {
		return errors.NotValidf("table name %q", p.table)
	}
	for _, k := range p.keys {
		if !validTableName.MatchString(k) {
			return errors.NotValidf("key column %q", k)
		}
	}

	db, err := sql.Open("postgres", p.connStr)
	if err != nil {
		return errors.Annotate(err, "failed to connect to PostgreSQL")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return errors.Annotate(err, "failed to ping PostgreSQL")
	}

	p.db = db
	p.logger.Infof("connected to PostgreSQL")
	return nil
}

// Write applies each batch in its own transaction.
func (p *PostgreSQLSink) Write(ctx context.Context, batches <-chan output.Batch) <-chan error {
	errs := make(chan error)

	go func() {
		defer close(errs)
		for b := range batches {
			if err := p.writeBatch(ctx, b); err != nil {
				select {
				case errs <- err:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return errs
}

// writeBatch applies the deletes of a batch before its inserts, so an update
// delivered as a delete and an insert of the same key ends with the new row.
func (p *PostgreSQLSink) writeBatch(ctx context.Context, b output.Batch) error {
	if len(b.Changes) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Annotate(err, "failed to begin transaction")
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			p.logger.Warningf("failed to rollback transaction: %v", rbErr)
		}
	}()

	for _, deletes := range []bool{true, false} {
		for _, c := range b.Changes {
			if (c.Weight < 0) != deletes || c.Weight == 0 {
				continue
			}
			if err := p.apply(ctx, tx, c); err != nil {
				return errors.Annotatef(err, "batch %d", b.Seq)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Annotate(err, "failed to commit transaction")
	}
	p.logger.Debugf("applied batch %d (%d changes) to %s", b.Seq, len(b.Changes), p.table)
	return nil
}

func (p *PostgreSQLSink) apply(ctx context.Context, tx *sql.Tx, c format.Change) error {
	var (
		query string
		args  []interface{}
		err   error
	)
	if c.Weight > 0 {
		query, args, err = p.upsertQuery(c.Row)
	} else {
		query, args, err = p.deleteQuery(c.Row)
	}
	if err != nil || query == "" {
		return err
	}
	n := c.Weight
	if n < 0 {
		n = -n
	}
	for ; n > 0; n-- {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func sortedColumns(row map[string]interface{}) ([]string, error) {
	columns := make([]string, 0, len(row))
	for k := range row {
		if !validTableName.MatchString(k) {
			return nil, errors.NotValidf("column name %q", k)
		}
		columns = append(columns, k)
	}
	sort.Strings(columns)
	return columns, nil
}

// upsertQuery builds an INSERT that updates the non-key columns of an
// existing row with the same key.
func (p *PostgreSQLSink) upsertQuery(row map[string]interface{}) (string, []interface{}, error) {
	columns, err := sortedColumns(row)
	if err != nil || len(columns) == 0 {
		return "", nil, err
	}

	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	args := make([]interface{}, len(columns))
	for i, col := range columns {
		quoted[i] = pq.QuoteIdentifier(col)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[col]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pq.QuoteIdentifier(p.table),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
	)
	if len(p.keys) > 0 {
		keys := make([]string, len(p.keys))
		for i, k := range p.keys {
			keys[i] = pq.QuoteIdentifier(k)
		}
		if update := p.buildUpdateClause(columns); update != "" {
			query += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(keys, ", "), update)
		} else {
			query += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(keys, ", "))
		}
	}
	return query, args, nil
}

// deleteQuery builds a DELETE matching the key columns, or every column when
// the sink has no keys.
func (p *PostgreSQLSink) deleteQuery(row map[string]interface{}) (string, []interface{}, error) {
	match := p.keys
	if len(match) == 0 {
		columns, err := sortedColumns(row)
		if err != nil {
			return "", nil, err
		}
		match = columns
	}
	if len(match) == 0 {
		return "", nil, nil
	}

	conds := make([]string, len(match))
	args := make([]interface{}, len(match))
	for i, col := range match {
		v, ok := row[col]
		if !ok {
			return "", nil, errors.NotValidf("deleted row without key column %q", col)
		}
		conds[i] = fmt.Sprintf("%s IS NOT DISTINCT FROM $%d", pq.QuoteIdentifier(col), i+1)
		args[i] = v
	}

	table := pq.QuoteIdentifier(p.table)
	if len(p.keys) > 0 {
		return fmt.Sprintf("DELETE FROM %s WHERE %s", table, strings.Join(conds, " AND ")), args, nil
	}
	return fmt.Sprintf("DELETE FROM %s WHERE ctid IN (SELECT ctid FROM %s WHERE %s LIMIT 1)",
		table, table, strings.Join(conds, " AND ")), args, nil
}

// buildUpdateClause builds the SET clause for upsert
func (p *PostgreSQLSink) buildUpdateClause(columns []string) string {
	isKey := map[string]bool{}
	for _, k := range p.keys {
		isKey[k] = true
	}
	updates := make([]string, 0, len(columns))
	for _, col := range columns {
		if !isKey[col] {
			q := pq.QuoteIdentifier(col)
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
		}
	}
	return strings.Join(updates, ", ")
}

// Close closes the PostgreSQL connection
func (p *PostgreSQLSink) Close() error {
	if p.db == nil {
		return nil
	}
	p.logger.Infof("closing PostgreSQL connection")
	return p.db.Close()
}

// GetLatestTimestamp retrieves the latest value of timestampField in the
// table, or nil for an empty table.
func (p *PostgreSQLSink) GetLatestTimestamp(ctx context.Context, timestampField string) (interface{}, error) {
	if timestampField == "" {
		return nil, errors.NotValidf("empty timestamp field")
	}
	if !validTableName.MatchString(timestampField) {
		return nil, errors.NotValidf("timestamp field name %q", timestampField)
	}

	field := pq.QuoteIdentifier(timestampField)
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s DESC LIMIT 1", field, pq.QuoteIdentifier(p.table), field)

	var timestamp interface{}
	err := p.db.QueryRowContext(ctx, query).Scan(&timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotate(err, "failed to get latest timestamp")
	}
	return timestamp, nil
}

// IsTableEmpty checks if the target table is empty
func (p *PostgreSQLSink) IsTableEmpty(ctx context.Context) (bool, error) {
	query := fmt.Sprintf("SELECT NOT EXISTS (SELECT 1 FROM %s)", pq.QuoteIdentifier(p.table))

	var empty bool
	if err := p.db.QueryRowContext(ctx, query).Scan(&empty); err != nil {
		return false, errors.Annotate(err, "failed to check if table is empty")
	}
	return empty, nil
}
