package db

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"strconv"
	"strings"
)

// RunMigrateCommand handles the 'migrate' subcommand. in is read for the
// confirmation prompt of 'force'; human-readable output goes to out.
func RunMigrateCommand(args []string, dbPath string, in io.Reader, out io.Writer) error {
	if len(args) < 1 {
		PrintMigrateHelp(out)
		return errors.New("missing migrate action")
	}
	action := args[0]
	if action == "help" {
		PrintMigrateHelp(out)
		return nil
	}

	migrationsFS := MigrationsFS()

	// open without migrating: the action decides what runs
	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	switch action {
	case "up":
		return handleMigrateUp(database, migrationsFS, out)
	case "down":
		return handleMigrateDown(database, migrationsFS, out)
	case "status":
		return handleMigrateStatus(database, migrationsFS, out)
	case "version":
		if len(args) < 2 {
			return errors.New("usage: vehicle-report migrate version <version_number>")
		}
		return handleMigrateVersion(database, migrationsFS, args[1], out)
	case "force":
		if len(args) < 2 {
			return errors.New("usage: vehicle-report migrate force <version_number>")
		}
		return handleMigrateForce(database, migrationsFS, args[1], in, out)
	default:
		fmt.Fprintf(out, "Unknown migrate action: %s\n\n", action)
		PrintMigrateHelp(out)
		return fmt.Errorf("unknown migrate action %q", action)
	}
}

func handleMigrateUp(database *DB, migrationsFS fs.FS, out io.Writer) error {
	log.Printf("Running migrations...")
	if err := database.MigrateUp(migrationsFS); err != nil {
		return err
	}
	version, dirty, err := database.MigrateVersion(migrationsFS)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ All migrations applied. Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

func handleMigrateDown(database *DB, migrationsFS fs.FS, out io.Writer) error {
	log.Printf("Rolling back one migration...")
	if err := database.MigrateDown(migrationsFS); err != nil {
		return err
	}
	version, dirty, err := database.MigrateVersion(migrationsFS)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Migration rolled back. Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

func handleMigrateStatus(database *DB, migrationsFS fs.FS, out io.Writer) error {
	status, err := database.MigrationStatus(migrationsFS)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "=== Migration Status ===")
	fmt.Fprintf(out, "Current version: %d\n", status.CurrentVersion)
	fmt.Fprintf(out, "Latest available: %d\n", status.LatestVersion)
	fmt.Fprintf(out, "Dirty: %v\n", status.Dirty)

	switch {
	case status.Dirty:
		fmt.Fprintln(out, "\n⚠️  WARNING: Database is in a dirty state!")
		fmt.Fprintln(out, "A migration failed mid-execution. Inspect the database, fix it, then run:")
		fmt.Fprintln(out, "  vehicle-report migrate force <version>")
	case status.Pending() > 0:
		fmt.Fprintf(out, "\n%d migration(s) pending. Run 'vehicle-report migrate up' to apply.\n", status.Pending())
	default:
		fmt.Fprintln(out, "\n✓ Database is up to date!")
	}
	return nil
}

func handleMigrateVersion(database *DB, migrationsFS fs.FS, versionStr string, out io.Writer) error {
	target, err := strconv.ParseUint(versionStr, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid version number: %s", versionStr)
	}

	log.Printf("Migrating to version %d...", target)
	if err := database.MigrateTo(migrationsFS, uint(target)); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Migrated to version %d\n", target)
	return nil
}

// handleMigrateForce forces the migration version after confirmation.
func handleMigrateForce(database *DB, migrationsFS fs.FS, versionStr string, in io.Reader, out io.Writer) error {
	forceVersion, err := strconv.Atoi(versionStr)
	if err != nil {
		return fmt.Errorf("invalid version number: %s", versionStr)
	}

	fmt.Fprintf(out, "⚠️  WARNING: Forcing migration version to %d\n", forceVersion)
	fmt.Fprintln(out, "This should only be used to recover from a dirty migration state.")
	fmt.Fprint(out, "Continue? [y/N]: ")

	response, _ := bufio.NewReader(in).ReadString('\n')
	response = strings.TrimSpace(response)
	if response != "y" && response != "Y" {
		fmt.Fprintln(out, "Aborted")
		return nil
	}

	if err := database.MigrateForce(migrationsFS, forceVersion); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Migration version forced to %d\n", forceVersion)
	return nil
}

// PrintMigrateHelp writes the usage for the migrate command.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprintln(out, "Database Migration Commands")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Usage: vehicle-report migrate <command> [options]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  up              Apply all pending migrations")
	fmt.Fprintln(out, "  down            Rollback one migration")
	fmt.Fprintln(out, "  status          Show current migration status and version")
	fmt.Fprintln(out, "  version <N>     Migrate to specific version N")
	fmt.Fprintln(out, "  force <N>       Force migration version to N (recovery only)")
	fmt.Fprintln(out, "  help            Show this help message")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Options:")
	fmt.Fprintln(out, "  --db-path <path>    Path to database file (default: vehicle_data.db)")
}
