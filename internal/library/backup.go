package library

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/easel/internal/models"
)

const (
	// DefaultBackupSpec snapshots the metadata store once per hour.
	DefaultBackupSpec = "@hourly"
	// backupKeep is how many snapshots survive pruning.
	backupKeep = 5
)

// backupSnapshot is the on-disk shape of one metadata backup.
type backupSnapshot struct {
	Images  []models.ImageMeta    `json:"images"`
	Tags    []models.ImageTag     `json:"tags"`
	Ratings []models.FolderRating `json:"ratings"`
}

// Backup writes a timestamped JSON snapshot of the metadata store into
// backupDir and prunes old snapshots down to the retention count. Returns
// the path of the new snapshot.
func (l *Library) Backup(backupDir string) (string, error) {
	if l.db == nil {
		return "", fmt.Errorf("library: no metadata store configured")
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", fmt.Errorf("library: create backup dir: %w", err)
	}

	var snap backupSnapshot
	if err := l.db.Find(&snap.Images).Error; err != nil {
		return "", fmt.Errorf("library: dump images: %w", err)
	}
	if err := l.db.Find(&snap.Tags).Error; err != nil {
		return "", fmt.Errorf("library: dump tags: %w", err)
	}
	if err := l.db.Find(&snap.Ratings).Error; err != nil {
		return "", fmt.Errorf("library: dump ratings: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("library: marshal snapshot: %w", err)
	}
	path := filepath.Join(backupDir, fmt.Sprintf("metadata_%s.json", l.now().Format("20060102_150405")))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("library: write snapshot: %w", err)
	}

	if err := pruneBackups(backupDir, backupKeep); err != nil {
		log.Printf("library: prune backups: %v", err)
	}
	return path, nil
}

// pruneBackups deletes all but the newest keep snapshots. Snapshot names
// embed the timestamp, so lexical order is chronological.
func pruneBackups(backupDir string, keep int) error {
	matches, err := filepath.Glob(filepath.Join(backupDir, "metadata_*.json"))
	if err != nil {
		return err
	}
	if len(matches) <= keep {
		return nil
	}
	sort.Strings(matches)
	for _, stale := range matches[:len(matches)-keep] {
		if err := os.Remove(stale); err != nil {
			return err
		}
	}
	return nil
}

// StartBackups schedules metadata snapshots on the given cron spec
// (DefaultBackupSpec if empty). Returns a stop function.
func StartBackups(l *Library, backupDir, spec string) (func(), error) {
	if spec == "" {
		spec = DefaultBackupSpec
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if _, err := l.Backup(backupDir); err != nil {
			log.Printf("library: scheduled backup: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("library: backup schedule %q: %w", spec, err)
	}
	c.Start()
	return func() { c.Stop() }, nil
}
