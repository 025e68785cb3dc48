package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jmoiron/sqlx"
)

// seedFiles lists the *.sql files of dir in lexical order.
func seedFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no seed files in %s", dir)
	}
	sort.Strings(files)
	return files, nil
}

// runSeeds executes every seed file in one transaction.
func runSeeds(ctx context.Context, db *sqlx.DB, dir string) (int, error) {
	files, err := seedFiles(dir)
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, f := range files {
		content, err := os.ReadFile(f)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", f, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			return 0, fmt.Errorf("execute %s: %w", f, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(files), nil
}
