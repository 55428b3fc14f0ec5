// Package storagetest stellt eine migrierte SQLite-Datenbank für Tests mit echtem gorm-Verhalten bereit.
package storagetest

import (
	"path/filepath"
	"testing"

	"deixis/storage"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// Open öffnet eine neue migrierte Datenbank im Temp-Verzeichnis und schließt sie am Testende.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	return OpenPath(t, filepath.Join(t.TempDir(), "deixis.db"))
}

// OpenPath öffnet und migriert die Datenbankdatei unter path, auch ein zweites Mal.
func OpenPath(t testing.TB, path string) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"), storage.GormConfig())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	// nur ein Schreiber pro Handle
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
