// Package triggers installs and manages the client-local change-capture
// triggers described in spec.md §4.C: one AFTER INSERT/UPDATE/DELETE
// trigger per user-modifiable table, each appending exactly one outbox
// entry per write (invariant I1), short-circuited by a session-scoped
// suppression flag while the sync engine applies a pull.
package triggers

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tunetrainer/synccore/internal/registry"
)

// Installer installs and tears down change-capture triggers against a
// client-local database/sql handle.
type Installer struct {
	db  *sql.DB
	reg *registry.Registry
}

// New returns an Installer bound to db and reg.
func New(db *sql.DB, reg *registry.Registry) *Installer {
	return &Installer{db: db, reg: reg}
}

// InstallAll (re)installs triggers for every registered table. Installing
// is idempotent: each call drops and recreates, so re-running after a
// registry change (e.g. a new table) is always safe.
func (i *Installer) InstallAll(ctx context.Context) error {
	for _, t := range i.reg.Tables() {
		if err := i.Install(ctx, t.Name); err != nil {
			return err
		}
	}
	return nil
}

// Install (re)installs the three triggers for one table.
func (i *Installer) Install(ctx context.Context, table string) error {
	t, err := i.reg.Lookup(table)
	if err != nil {
		return fmt.Errorf("triggers: install: %w", err)
	}

	for _, stmt := range dropStatements(t.Name) {
		if _, err := i.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("triggers: dropping existing triggers on %s: %w", t.Name, err)
		}
	}
	for _, stmt := range createStatements(t) {
		if _, err := i.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("triggers: creating triggers on %s: %w", t.Name, err)
		}
	}
	return nil
}

func dropStatements(table string) []string {
	return []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s_outbox_insert", table),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s_outbox_update", table),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s_outbox_delete", table),
	}
}

// rowIDExpr builds the SQL expression that reproduces registry.BuildRowID
// inside a trigger body: the bare PK column for a simple key, or a JSON
// object (via SQLite's json_object, argument order sorted to match
// encoding/json's alphabetical key order) for a composite key.
func rowIDExpr(t *registry.Table, refTable string) string {
	if len(t.PrimaryKey) == 1 {
		return refTable + "." + t.PrimaryKey[0]
	}
	cols := append([]string{}, t.PrimaryKey...)
	sortStrings(cols)
	args := make([]string, 0, len(cols)*2)
	for _, c := range cols {
		args = append(args, fmt.Sprintf("'%s'", c), refTable+"."+c)
	}
	return "json_object(" + joinComma(args) + ")"
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j-1] > ss[j]; j-- {
			ss[j-1], ss[j] = ss[j], ss[j-1]
		}
	}
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func createStatements(t *registry.Table) []string {
	insertRowID := rowIDExpr(t, "NEW")
	deleteRowID := rowIDExpr(t, "OLD")

	entryID := "lower(hex(randomblob(16)))"

	insert := fmt.Sprintf(`
CREATE TRIGGER %[1]s_outbox_insert AFTER INSERT ON %[1]s
WHEN (SELECT suppressed FROM sync_trigger_suppression WHERE id = 1) = 0
BEGIN
	INSERT INTO sync_outbox (id, table_name, row_id, operation, status, changed_at, attempts)
	VALUES (%[2]s, '%[1]s', %[3]s, 'INSERT', 'pending', NEW.last_modified_at, 0);
END`, t.Name, entryID, insertRowID)

	update := fmt.Sprintf(`
CREATE TRIGGER %[1]s_outbox_update AFTER UPDATE ON %[1]s
WHEN (SELECT suppressed FROM sync_trigger_suppression WHERE id = 1) = 0
BEGIN
	INSERT INTO sync_outbox (id, table_name, row_id, operation, status, changed_at, attempts)
	VALUES (%[2]s, '%[1]s', %[3]s, 'UPDATE', 'pending', NEW.last_modified_at, 0);
END`, t.Name, entryID, insertRowID)

	del := fmt.Sprintf(`
CREATE TRIGGER %[1]s_outbox_delete AFTER DELETE ON %[1]s
WHEN (SELECT suppressed FROM sync_trigger_suppression WHERE id = 1) = 0
BEGIN
	INSERT INTO sync_outbox (id, table_name, row_id, operation, status, changed_at, attempts)
	VALUES (%[2]s, '%[1]s', %[3]s, 'DELETE', 'pending', strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now'), 0);
END`, t.Name, entryID, deleteRowID)

	return []string{insert, update, del}
}

// Suppress sets the session-scoped suppression flag so triggers no-op.
// Enabling is idempotent.
func Suppress(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `UPDATE sync_trigger_suppression SET suppressed = 1 WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("triggers: suppressing: %w", err)
	}
	return nil
}

// Enable clears the suppression flag. Idempotent.
func Enable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `UPDATE sync_trigger_suppression SET suppressed = 0 WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("triggers: enabling: %w", err)
	}
	return nil
}

// IsSuppressed reports the current state of the suppression flag.
func IsSuppressed(ctx context.Context, db *sql.DB) (bool, error) {
	var v int
	err := db.QueryRowContext(ctx, `SELECT suppressed FROM sync_trigger_suppression WHERE id = 1`).Scan(&v)
	if err != nil {
		return false, fmt.Errorf("triggers: reading suppression flag: %w", err)
	}
	return v != 0, nil
}
