package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const defaultPreflightTimeout = 2 * time.Second

// sidecarSuffixes are the files SQLite keeps next to a database in WAL or
// rollback mode. They move together with the main file.
var sidecarSuffixes = []string{"", "-wal", "-shm", "-journal"}

// preflight checkpoints and quick_checks an existing archive before the
// writer opens it. A damaged database is renamed to <path>.bad-<stamp> so the
// bench can start with a fresh file; the returned path is empty when the
// database was healthy or absent.
func preflight(path string, timeout time.Duration, now time.Time) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("archive: preflight stat: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultPreflightTimeout
	}

	checkErr := checkDatabase(path, timeout)
	if checkErr == nil {
		return "", nil
	}
	if errors.Is(checkErr, context.DeadlineExceeded) {
		// A locked database is not a damaged one.
		return "", fmt.Errorf("archive: preflight timed out after %s: %w", timeout, checkErr)
	}
	moved, err := quarantine(path, now)
	if err != nil {
		return "", fmt.Errorf("archive: quarantine %s: %w (check: %v)", path, err, checkErr)
	}
	return moved, nil
}

func checkDatabase(path string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return fmt.Errorf("quick_check: %w", err)
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	return ctx.Err()
}

func quarantine(path string, now time.Time) (string, error) {
	suffix := ".bad-" + now.UTC().Format("20060102T150405Z")
	for _, s := range sidecarSuffixes {
		src := path + s
		if err := os.Rename(src, src+suffix); err != nil && !os.IsNotExist(err) {
			return "", err
		}
	}
	return path + suffix, nil
}
