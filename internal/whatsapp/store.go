package whatsapp

import (
	"context"
	"fmt"
	"path/filepath"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3"
)

// DeviceDBName is the device store file inside a session's auth directory.
const DeviceDBName = "device.db"

// deviceStore wraps the whatsmeow SQLite container of one session.
type deviceStore struct {
	container *sqlstore.Container
	dbPath    string
}

// openDeviceStore opens or creates the device store in dir.
func openDeviceStore(ctx context.Context, dir string, dbLog waLog.Logger) (*deviceStore, error) {
	dbPath := filepath.Join(dir, DeviceDBName)
	dbURI := fmt.Sprintf("file:%s?_foreign_keys=on", dbPath)

	container, err := sqlstore.New(ctx, "sqlite3", dbURI, dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	return &deviceStore{container: container, dbPath: dbPath}, nil
}

// Device returns the stored device, or a fresh unpaired one.
func (s *deviceStore) Device(ctx context.Context) (*store.Device, error) {
	device, err := s.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return device, nil
}

// Close closes the session database connection
func (s *deviceStore) Close() error {
	if s == nil || s.container == nil {
		return nil
	}
	return s.container.Close()
}
