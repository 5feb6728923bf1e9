package database

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.etcd.io/bbolt"
)

// Database schema version
const CurrentSchemaVersion = 2

var (
	bucketMigrations      = []byte("migrations")
	bucketNodes           = []byte("nodes")
	bucketNodesByInstance = []byte("idx_nodes_by_instance")
	bucketBaselines       = []byte("baselines")
	bucketHistory         = []byte("history")
)

var (
	ErrNotFound         = errors.New("not found")
	ErrIdentityConflict = errors.New("instance already bound to another node")
	ErrIdentityExists   = errors.New("node id already registered")
)

// Migration represents a database migration
type Migration struct {
	Version     int       `json:"version"`
	Description string    `json:"description"`
	AppliedAt   time.Time `json:"applied_at"`
}

// DatabaseManager owns the bbolt file holding nodes, baselines and daily
// history. bbolt allows one writer at a time, so every write method below
// runs as a single read-write transaction and readers only ever see
// committed state.
type DatabaseManager struct {
	db    *bbolt.DB
	log   *slog.Logger
	clock clockwork.Clock
}

// Options tune NewDatabaseManager
type Options struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
}

func NewDatabaseManager(dbPath string, opts Options) (*DatabaseManager, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	dm := &DatabaseManager{db: db, log: opts.Logger, clock: opts.Clock}
	if err := dm.initializeDatabase(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return dm, nil
}

func (dm *DatabaseManager) initializeDatabase() error {
	return dm.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMigrations); err != nil {
			return err
		}
		return dm.runMigrations(tx)
	})
}

func (dm *DatabaseManager) runMigrations(tx *bbolt.Tx) error {
	migrationsBucket := tx.Bucket(bucketMigrations)

	currentVersion := 0
	if data := migrationsBucket.Get([]byte("schema_version")); data != nil {
		var version int
		if err := json.Unmarshal(data, &version); err == nil {
			currentVersion = version
		}
	}

	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	dm.log.Info("migrating database", "from", currentVersion, "to", CurrentSchemaVersion)

	for version := currentVersion + 1; version <= CurrentSchemaVersion; version++ {
		if err := dm.runMigration(tx, version); err != nil {
			return fmt.Errorf("migration %d failed: %w", version, err)
		}
		dm.log.Info("applied migration", "version", version)
	}

	versionData, _ := json.Marshal(CurrentSchemaVersion)
	return migrationsBucket.Put([]byte("schema_version"), versionData)
}

func (dm *DatabaseManager) runMigration(tx *bbolt.Tx, version int) error {
	migration := Migration{
		Version:   version,
		AppliedAt: dm.clock.Now().UTC(),
	}

	var err error
	switch version {
	case 1:
		migration.Description = "nodes with instance index"
		err = createBuckets(tx, bucketNodes, bucketNodesByInstance)
	case 2:
		migration.Description = "billing baselines and daily history"
		err = createBuckets(tx, bucketBaselines, bucketHistory)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
	if err != nil {
		return err
	}

	migrationData, _ := json.Marshal(migration)
	key := fmt.Sprintf("migration_%03d", version)
	return tx.Bucket(bucketMigrations).Put([]byte(key), migrationData)
}

func createBuckets(tx *bbolt.Tx, names ...[]byte) error {
	for _, name := range names {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion returns the applied schema version
func (dm *DatabaseManager) SchemaVersion() (int, error) {
	var version int
	err := dm.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMigrations).Get([]byte("schema_version"))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &version)
	})
	return version, err
}

func (dm *DatabaseManager) Close() error {
	return dm.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
