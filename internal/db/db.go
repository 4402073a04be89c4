// Package db is the SQLite store for vehicle telemetry rows and the
// per-vehicle odometer summaries derived from them.
package db

import (
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/vehicle.report/internal/security"
)

// pragmas applied to every connection in the pool.
const pragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=temp_store(MEMORY)"

type DB struct {
	*sql.DB
	path string
}

// NewDB opens the database at path and applies any outstanding migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenDB opens the database at path without touching its schema. The migrate
// subcommand uses it so that it alone decides which migrations run.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

func dsn(path string) string {
	return path + "?" + pragmas
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

// AttachAdminRoutes mounts the tailsql console and an on-demand backup under
// /debug/. Backups are staged in backupDir and removed once downloaded.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux, backupDir string) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Vehicle telemetry DB",
	})

	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the database now", db.backupHandler(backupDir))
	return nil
}

func (db *DB) backupHandler(backupDir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := fmt.Sprintf("backup-%d.db", time.Now().UnixNano())
		backupPath, err := security.JoinWithinDirectory(backupDir, name)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid backup path: %v", err), http.StatusInternalServerError)
			return
		}

		if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer backupFile.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
		w.Header().Set("Content-Type", "application/gzip")

		gz := gzip.NewWriter(w)
		if _, err := io.Copy(gz, backupFile); err != nil {
			// headers are gone; all we can do is log and truncate
			log.Printf("Failed to stream backup: %v", err)
			return
		}
		if err := gz.Close(); err != nil {
			log.Printf("Failed to finish backup stream: %v", err)
		}
	})
}
