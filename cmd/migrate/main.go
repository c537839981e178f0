package main

import (
	"bufio"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"coinvest/internal/config"
	"coinvest/internal/db"

	"github.com/jmoiron/sqlx"
)

const downMarker = "-- +migrate Down"

func main() {
	dir := flag.String("dir", "migrations", "directory holding *.sql migrations")
	down := flag.Bool("down", false, "roll back the most recently applied migration")
	flag.Parse()

	cfg := config.Load()
	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer database.Close()

	if _, err := database.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (filename text primary key, applied_at timestamptz default now())`); err != nil {
		log.Fatalf("failed to ensure schema_migrations: %v", err)
	}

	if *down {
		if err := rollbackLatest(database, *dir); err != nil {
			log.Fatalf("rollback failed: %v", err)
		}
		return
	}

	files, err := filepath.Glob(filepath.Join(*dir, "*.sql"))
	if err != nil {
		log.Fatalf("failed to read migrations: %v", err)
	}
	sort.Strings(files)

	for _, file := range files {
		filename := filepath.Base(file)
		var exists bool
		if err := database.Get(&exists, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, filename); err != nil {
			log.Fatalf("failed to read migration state: %v", err)
		}
		if exists {
			continue
		}
		up, _, err := readSections(file)
		if err != nil {
			log.Fatalf("failed to read %s: %v", filename, err)
		}
		if err := inTx(database, func(tx *sqlx.Tx) error {
			if err := execAll(tx, splitSQL(up)); err != nil {
				return err
			}
			_, err := tx.Exec(`INSERT INTO schema_migrations (filename) VALUES ($1)`, filename)
			return err
		}); err != nil {
			log.Fatalf("failed to apply %s: %v", filename, err)
		}
		fmt.Printf("applied %s\n", filename)
	}
}

func rollbackLatest(database *sqlx.DB, dir string) error {
	var filename string
	err := database.Get(&filename, `SELECT filename FROM schema_migrations ORDER BY filename DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		fmt.Println("nothing to roll back")
		return nil
	}
	if err != nil {
		return err
	}
	_, downSQL, err := readSections(filepath.Join(dir, filename))
	if err != nil {
		return err
	}
	if strings.TrimSpace(downSQL) == "" {
		return fmt.Errorf("%s has no down section", filename)
	}
	if err := inTx(database, func(tx *sqlx.Tx) error {
		if err := execAll(tx, splitSQL(downSQL)); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM schema_migrations WHERE filename = $1`, filename)
		return err
	}); err != nil {
		return err
	}
	fmt.Printf("rolled back %s\n", filename)
	return nil
}

// readSections splits a migration file into its up and down halves.
func readSections(path string) (up, down string, err error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	sections := strings.SplitN(string(content), downMarker, 2)
	up = sections[0]
	if len(sections) == 2 {
		down = sections[1]
	}
	return up, down, nil
}

func inTx(database *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := database.Beginx()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func execAll(db execer, statements []string) error {
	for _, stmt := range statements {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("%w\n%s", err, strings.TrimSpace(stmt))
		}
	}
	return nil
}

// splitSQL breaks a script into statements at lines containing a
// semicolon. Comment-only lines are dropped.
func splitSQL(sqlText string) []string {
	var statements []string
	var current strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(sqlText))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		current.WriteString(line)
		current.WriteRune('\n')
		if strings.Contains(line, ";") {
			statements = append(statements, current.String())
			current.Reset()
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		statements = append(statements, current.String())
	}
	return statements
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}
