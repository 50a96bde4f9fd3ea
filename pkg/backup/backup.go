package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

const (
	namePrefix = "backup-"
	nameSuffix = ".json"
	nameLayout = "20060102-150405.000"
)

// BackupData is one snapshot. Reports are kept as raw JSON so this package
// does not depend on the report schema.
type BackupData struct {
	Version   string                     `json:"version"`
	Timestamp time.Time                  `json:"timestamp"`
	Reports   map[string]json.RawMessage `json:"reports,omitempty"`
	Metadata  map[string]interface{}     `json:"metadata,omitempty"`
}

// Storage defines interface for backup storage
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// BackupService handles backup operations
type BackupService struct {
	storage Storage
	version string
	now     func() time.Time
}

// NewBackupService creates a new backup service
func NewBackupService(storage Storage, version string) *BackupService {
	return &BackupService{
		storage: storage,
		version: version,
		now:     time.Now,
	}
}

// CreateBackup stamps data and writes it under a time-ordered name.
func (bs *BackupService) CreateBackup(ctx context.Context, data *BackupData) (string, error) {
	data.Version = bs.version
	data.Timestamp = bs.now().UTC()

	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup data: %w", err)
	}

	backupName := BackupName(data.Timestamp)
	if err := bs.storage.Save(ctx, backupName, bytes.NewReader(jsonData)); err != nil {
		return "", fmt.Errorf("failed to save backup: %w", err)
	}

	return backupName, nil
}

// RestoreBackup loads a backup by name.
func (bs *BackupService) RestoreBackup(ctx context.Context, name string) (*BackupData, error) {
	reader, err := bs.storage.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup: %w", err)
	}
	defer reader.Close()

	var backupData BackupData
	if err := json.NewDecoder(reader).Decode(&backupData); err != nil {
		return nil, fmt.Errorf("failed to decode backup %s: %w", name, err)
	}
	if backupData.Version == "" {
		return nil, fmt.Errorf("invalid backup %s: missing version", name)
	}

	return &backupData, nil
}

// ListBackups returns backup names, oldest first.
func (bs *BackupService) ListBackups(ctx context.Context) ([]string, error) {
	names, err := bs.storage.List(ctx, namePrefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// LatestBackup returns the newest backup name, or "" when none exists.
func (bs *BackupService) LatestBackup(ctx context.Context) (string, error) {
	names, err := bs.ListBackups(ctx)
	if err != nil || len(names) == 0 {
		return "", err
	}
	return names[len(names)-1], nil
}

// DeleteBackup deletes a backup
func (bs *BackupService) DeleteBackup(ctx context.Context, name string) error {
	return bs.storage.Delete(ctx, name)
}

// BackupName returns the storage name for a snapshot taken at t.
func BackupName(t time.Time) string {
	return namePrefix + t.UTC().Format(nameLayout) + nameSuffix
}

// ParseBackupTime extracts the snapshot time from a name built by BackupName.
func ParseBackupTime(name string) (time.Time, error) {
	if !strings.HasPrefix(name, namePrefix) || !strings.HasSuffix(name, nameSuffix) {
		return time.Time{}, fmt.Errorf("not a backup name: %q", name)
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, namePrefix), nameSuffix)
	return time.Parse(nameLayout, stamp)
}
