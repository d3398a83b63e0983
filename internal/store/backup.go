package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Backup copies the queue document to the backups directory with a
// timestamped, reason-tagged name. Called automatically before destructive
// operations (clear, requeue) and available to operators directly.
func (s *Store) Backup(reason string) (string, error) {
	unlock, err := s.lockQueue()
	if err != nil {
		return "", err
	}
	defer unlock()
	if err := s.backupLocked(reason); err != nil {
		return "", err
	}
	return s.lastBackupPath, nil
}

func (s *Store) backupLocked(reason string) error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil // nothing to back up
	}
	if err != nil {
		return fmt.Errorf("read queue document for backup: %w", err)
	}

	name := fmt.Sprintf("tasks-%s-%s.yaml", time.Now().Format("20060102-150405"), sanitizeReason(reason))
	backupPath := filepath.Join(s.stateDir, "backups", name)
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	s.lastBackupPath = backupPath
	s.logger.Infof("backup_created path=%s reason=%s", backupPath, reason)
	return nil
}

// PruneBackups deletes backups older than retentionDays. Returns the number
// of files removed.
func (s *Store) PruneBackups(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	backupDir := filepath.Join(s.stateDir, "backups")
	entries, err := os.ReadDir(backupDir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read backups dir: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "tasks-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(backupDir, entry.Name())); err != nil {
				s.logger.Warnf("backup_prune_failed file=%s error=%v", entry.Name(), err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		s.logger.Infof("backups_pruned count=%d retention_days=%d", removed, retentionDays)
	}
	return removed, nil
}

func sanitizeReason(reason string) string {
	reason = strings.TrimSpace(strings.ToLower(reason))
	if reason == "" {
		return "manual"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, reason)
}
