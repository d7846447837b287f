// Package primarystore is the narrow, generic read/write surface the
// reconciler uses against the shared operational database: dynamic
// INSERT/UPDATE/DELETE by column set, driven by the same embedded
// database driver as the metadata store. The engine never creates this
// schema; it only reads/writes rows within tables it's told about.
package primarystore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/digitmide/stabsync/pkg/syncerr"
	"github.com/digitmide/stabsync/pkg/util"
)

// Adapter wraps a second database/sql handle opened against the primary
// store's database_path.
type Adapter struct {
	db *sql.DB
}

// Open opens the primary store database at path. It does not apply any
// schema: the primary schema is owned by the web application.
func Open(path string) (*Adapter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, syncerr.NewStoreUnavailableError("primary", "open", err)
	}
	return &Adapter{db: db}, nil
}

// Close releases the underlying database handle.
func (a *Adapter) Close() error {
	return a.db.Close()
}

// DB exposes the underlying handle for read-only inspection by callers
// that need an arbitrary SELECT the adapter doesn't otherwise expose
// (the CLI's info command, tests).
func (a *Adapter) DB() *sql.DB {
	return a.db
}

// ApplyInsert builds INSERT INTO <table> (<cols>) VALUES (<placeholders>)
// from row's keys, sorted for determinism.
func (a *Adapter) ApplyInsert(ctx context.Context, table string, row map[string]interface{}) error {
	return a.applyInsertTx(ctx, a.db, table, row)
}

func (a *Adapter) applyInsertTx(ctx context.Context, execer execer, table string, row map[string]interface{}) error {
	safeTable, err := safeIdentifier(table)
	if err != nil {
		return err
	}

	cols, placeholders, args, err := columnsFor(row)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return syncerr.NewSchemaMismatchError(table, "", fmt.Errorf("row has no columns"))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", safeTable, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := execer.ExecContext(ctx, query, args...); err != nil {
		return syncerr.NewSchemaMismatchError(table, fmt.Sprint(row["id"]), err)
	}
	return nil
}

// ApplyUpdate builds UPDATE <table> SET <col=?,...> WHERE id = ? and
// reports how many rows matched.
func (a *Adapter) ApplyUpdate(ctx context.Context, table, id string, row map[string]interface{}) (int64, error) {
	return a.applyUpdateTx(ctx, a.db, table, id, row)
}

func (a *Adapter) applyUpdateTx(ctx context.Context, execer execer, table, id string, row map[string]interface{}) (int64, error) {
	safeTable, err := safeIdentifier(table)
	if err != nil {
		return 0, err
	}

	keys := sortedKeys(row)
	if len(keys) == 0 {
		return 0, syncerr.NewSchemaMismatchError(table, id, fmt.Errorf("row has no columns"))
	}

	setClauses := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys)+1)
	for _, k := range keys {
		safeCol, err := safeIdentifier(k)
		if err != nil {
			return 0, err
		}
		setClauses = append(setClauses, safeCol+" = ?")
		args = append(args, row[k])
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", safeTable, strings.Join(setClauses, ", "))
	result, err := execer.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, syncerr.NewSchemaMismatchError(table, id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, syncerr.NewSchemaMismatchError(table, id, err)
	}
	return affected, nil
}

// ApplyDelete deletes the row with the given id.
func (a *Adapter) ApplyDelete(ctx context.Context, table, id string) error {
	return a.applyDeleteTx(ctx, a.db, table, id)
}

func (a *Adapter) applyDeleteTx(ctx context.Context, execer execer, table, id string) error {
	safeTable, err := safeIdentifier(table)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", safeTable)
	if _, err := execer.ExecContext(ctx, query, id); err != nil {
		return syncerr.NewSchemaMismatchError(table, id, err)
	}
	return nil
}

// UpdateThenInsert runs ApplyUpdate by id; if zero rows matched, falls
// back to ApplyInsert. Used by both pull and initial_sync. The whole
// operation runs in its own transaction so a bad row cannot poison a
// batch of sibling rows.
func (a *Adapter) UpdateThenInsert(ctx context.Context, table string, row map[string]interface{}) error {
	id, _ := row["id"].(string)
	if id == "" {
		return a.ApplyInsert(ctx, table, row)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.NewStoreUnavailableError("primary", "update_then_insert", err)
	}
	defer tx.Rollback()

	affected, err := a.applyUpdateTx(ctx, tx, table, id, row)
	if err != nil {
		return err
	}
	if affected == 0 {
		if err := a.applyInsertTx(ctx, tx, table, row); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return syncerr.NewStoreUnavailableError("primary", "update_then_insert", err)
	}
	return nil
}

// execer abstracts *sql.DB and *sql.Tx for the internal apply helpers.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func columnsFor(row map[string]interface{}) (cols, placeholders []string, args []interface{}, err error) {
	keys := sortedKeys(row)
	cols = make([]string, 0, len(keys))
	placeholders = make([]string, 0, len(keys))
	args = make([]interface{}, 0, len(keys))
	for _, k := range keys {
		safeCol, err := safeIdentifier(k)
		if err != nil {
			return nil, nil, nil, err
		}
		cols = append(cols, safeCol)
		placeholders = append(placeholders, "?")
		args = append(args, row[k])
	}
	return cols, placeholders, args, nil
}

func sortedKeys(row map[string]interface{}) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// safeIdentifier validates name against a conservative identifier
// pattern before it is interpolated into SQL text: database/sql can
// parameterize values but not identifiers.
func safeIdentifier(name string) (string, error) {
	if !util.IsValidIdentifier(name) {
		return "", syncerr.NewSchemaMismatchError(name, "", fmt.Errorf("unsafe identifier %q", name))
	}
	return name, nil
}
