package db

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	//sqlite3 driver
	_ "github.com/mattn/go-sqlite3"

	"wormhole-mailbox/log"
)

var (
	//ErrNotOpen reports usage of a database handle that was never opened
	ErrNotOpen = errors.New("database connection is not open")

	//ErrDBVersion reports a database file whose schema version is newer
	//than this binary understands
	ErrDBVersion = errors.New("database schema version is newer than this server supports")

	//ErrDBCorrupt reports a file that is not a usable database
	ErrDBCorrupt = errors.New("database file is corrupt or not a database")

	//ErrNoUpgrader reports a missing upgrade script between two
	//schema versions
	ErrNoUpgrader = errors.New("no upgrader exists for database schema version")
)

//MemoryPath opens a private in-memory database instead of a file.
//Useful for tests and ephemeral servers; such databases are never
//backed up or upgraded.
const MemoryPath = ":memory:"

//OpenChannelDB opens (or creates, or upgrades) the channel database
//holding the live nameplate/mailbox/message state.
func OpenChannelDB(path string) (*sql.DB, error) {
	return openOrCreate(path, "channel", ChannelDBVersion)
}

//OpenUsageDB opens (or creates, or upgrades) the usage database that
//receives channel summaries. An empty path disables usage recording
//and returns a nil handle.
func OpenUsageDB(path string) (*sql.DB, error) {
	if path == "" {
		return nil, nil
	}
	return openOrCreate(path, "usage", UsageDBVersion)
}

//openOrCreate opens the database file at path, creating it atomically
//with the target schema when absent, and upgrading it in place (after
//storing a backup copy) when it carries an older schema version.
func openOrCreate(path, name string, target int) (*sql.DB, error) {
	var conn *sql.DB
	var err error

	switch {
	case path == MemoryPath:
		conn, err = openConnection(path)
		if err != nil {
			return nil, err
		}
		if err = initializeSchema(conn, name, target); err != nil {
			conn.Close()
			return nil, err
		}

	default:
		if _, serr := os.Stat(path); serr == nil {
			conn, err = openConnection(path)
		} else {
			conn, err = atomicCreate(path, name, target)
		}
		if err != nil {
			return nil, err
		}
	}

	version, err := schemaVersion(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if version > target {
		conn.Close()
		return nil, fmt.Errorf("%w: file %s is at v%d, this server handles up to v%d",
			ErrDBVersion, path, version, target)
	}

	if version < target && path != MemoryPath {
		backup := fmt.Sprintf("%s-backup-v%d", path, version)
		log.Infof("storing backup of v%d db in %s", version, backup)
		if err = copyFile(path, backup); err != nil {
			conn.Close()
			return nil, err
		}
	}

	for version < target {
		upgrader, ok := upgraderFor(name, version+1)
		if !ok {
			conn.Close()
			return nil, fmt.Errorf("%w: %s v%d to v%d", ErrNoUpgrader, name, version, version+1)
		}
		log.Infof("upgrading %s db schema from v%d to v%d", name, version, version+1)
		if _, err = conn.Exec(upgrader); err != nil {
			conn.Close()
			return nil, err
		}
		version++
	}

	return conn, nil
}

//openConnection opens a single serialized connection to the SQLite
//database at path, with foreign keys enforced, and runs the startup
//consistency check.
func openConnection(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	//All server state is dispatched from one logical context, and
	//a :memory: database only exists on its own connection
	conn.SetMaxOpenConns(1)

	if _, err = conn.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s: %s", ErrDBCorrupt, path, err.Error())
	}

	rows, err := conn.Query(`PRAGMA foreign_key_check`)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s: %s", ErrDBCorrupt, path, err.Error())
	}
	defer rows.Close()
	if rows.Next() {
		conn.Close()
		return nil, fmt.Errorf("%w: %s: failed foreign key check", ErrDBCorrupt, path)
	}
	if err = rows.Err(); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

//atomicCreate populates a fresh database in a temporary file beside
//the target and renames it into place, so a crash mid-create leaves
//nothing at the destination path.
func atomicCreate(path, name string, target int) (*sql.DB, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	tmp.Close()

	conn, err := openConnection(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	if err = initializeSchema(conn, name, target); err != nil {
		conn.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	conn.Close()

	if err = os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	return openConnection(path)
}

//initializeSchema executes the schema for (name, version) and stamps
//the version table.
func initializeSchema(conn *sql.DB, name string, version int) error {
	log.Infof("populating new database with schema %s v%d", name, version)

	schema, ok := schemaFor(name, version)
	if !ok {
		return fmt.Errorf("no schema defined for %s v%d", name, version)
	}

	if _, err := conn.Exec(schema); err != nil {
		return err
	}

	_, err := conn.Exec(`INSERT INTO version (version) VALUES (?)`, version)
	return err
}

//schemaVersion reads the stamped schema version, translating missing
//or unreadable version tables into ErrDBCorrupt.
func schemaVersion(conn *sql.DB) (int, error) {
	var version int
	row := conn.QueryRow(`SELECT version FROM version`)
	if err := row.Scan(&version); err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("%w: no schema version recorded", ErrDBCorrupt)
		}
		return 0, fmt.Errorf("%w: %s", ErrDBCorrupt, err.Error())
	}
	return version, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}

	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
