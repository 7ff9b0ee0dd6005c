package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/therealutkarshpriyadarshi/dataplan/pkg/models"
)

// ArchivePrefix is the object prefix of daily usage archives
const ArchivePrefix = "usage-archive/"

// ObjectStore is the subset of Storage the archiver needs
type ObjectStore interface {
	Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// UsageArchive is the document written before a daily reset
type UsageArchive struct {
	Day        string                `json:"day"`
	ArchivedAt time.Time             `json:"archived_at"`
	Records    []*models.UsageRecord `json:"records"`
}

// Archiver keeps one snapshot of all current usage records per day
type Archiver struct {
	store ObjectStore
}

// NewArchiver creates an archiver on top of store
func NewArchiver(store ObjectStore) *Archiver {
	return &Archiver{store: store}
}

// ArchiveName returns the object name of the archive for day (UTC)
func ArchiveName(day time.Time) string {
	return ArchivePrefix + day.UTC().Format("2006-01-02") + ".json"
}

// Archive writes records under the archive name of at. An archive written
// again on the same day replaces the earlier one.
func (a *Archiver) Archive(ctx context.Context, at time.Time, records []*models.UsageRecord) (string, error) {
	if records == nil {
		records = []*models.UsageRecord{}
	}

	doc := UsageArchive{
		Day:        at.UTC().Format("2006-01-02"),
		ArchivedAt: at.UTC(),
		Records:    records,
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal usage archive: %w", err)
	}

	name := ArchiveName(at)
	if err := a.store.Upload(ctx, name, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return "", fmt.Errorf("failed to archive usage: %w", err)
	}

	return name, nil
}

// List returns the names of all archives
func (a *Archiver) List(ctx context.Context) ([]string, error) {
	return a.store.List(ctx, ArchivePrefix)
}
