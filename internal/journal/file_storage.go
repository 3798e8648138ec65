package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/systmms/iamsvc/internal/logging"
)

// ErrNoStatus is returned by Status for accounts with no recorded operations.
var ErrNoStatus = errors.New("no status recorded")

const fileTimeLayout = "20060102-150405"

// FileStorage implements Storage using the filesystem. Entries live under
// <baseDir>/history/<account>/ and summaries under <baseDir>/status/.
type FileStorage struct {
	baseDir string
	logger  *logging.Logger
	mu      sync.RWMutex
}

// NewFileStorage creates a new file-based storage
func NewFileStorage(baseDir string, logger *logging.Logger) *FileStorage {
	if logger == nil {
		logger = logging.Discard()
	}
	return &FileStorage{
		baseDir: baseDir,
		logger:  logger,
	}
}

// DefaultStorageDir returns the default storage directory
func DefaultStorageDir() string {
	if dir := os.Getenv("IAMSVC_JOURNAL_DIR"); dir != "" {
		return dir
	}

	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "iamsvc", "journal")
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "iamsvc", "journal")
	}

	return filepath.Join(os.TempDir(), "iamsvc", "journal")
}

// Save writes the entry and folds it into the account's status summary.
func (fs *FileStorage) Save(entry *Entry) error {
	if entry.Account == "" {
		return fmt.Errorf("journal entry has no account")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	historyDir := filepath.Join(fs.baseDir, "history", sanitizeFilename(entry.Account))
	if err := os.MkdirAll(historyDir, 0700); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.ID == "" {
		entry.ID = fmt.Sprintf("%d-%s", entry.Timestamp.UnixNano(), entry.Account)
	}

	// Timestamp first so names sort chronologically; the nanoseconds and id
	// keep two operations in the same second apart.
	filename := filepath.Join(historyDir, fmt.Sprintf("%s-%09d-%s.json",
		entry.Timestamp.UTC().Format(fileTimeLayout), entry.Timestamp.Nanosecond(), sanitizeFilename(entry.ID)))
	if err := writeJSON(filename, entry); err != nil {
		return fmt.Errorf("failed to write history entry: %w", err)
	}

	return fs.updateStatus(entry)
}

func (fs *FileStorage) updateStatus(entry *Entry) error {
	statusDir := filepath.Join(fs.baseDir, "status")
	if err := os.MkdirAll(statusDir, 0700); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	status, err := fs.readStatus(entry.Account)
	if err != nil {
		if !errors.Is(err, ErrNoStatus) {
			fs.logger.Warn("Discarding unreadable status for %s: %v", entry.Account, err)
		}
		status = &AccountStatus{Account: entry.Account}
	}

	status.LastOperation = entry.Operation
	status.LastStatus = entry.Status
	status.UpdatedAt = entry.Timestamp
	status.LastError = ""
	status.Operations++
	switch entry.Status {
	case StatusSuccess:
		status.Successes++
	case StatusPartialSuccess:
		status.Partials++
		status.LastError = entry.Message
	default:
		status.Failures++
		status.LastError = entry.Message
	}

	if err := writeJSON(fs.statusFile(entry.Account), status); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}
	return nil
}

// Status returns the summary for an account
func (fs *FileStorage) Status(account string) (*AccountStatus, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.readStatus(account)
}

func (fs *FileStorage) readStatus(account string) (*AccountStatus, error) {
	data, err := os.ReadFile(fs.statusFile(account))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", account, ErrNoStatus)
		}
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}

	var status AccountStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}
	return &status, nil
}

func (fs *FileStorage) statusFile(account string) string {
	return filepath.Join(fs.baseDir, "status", sanitizeFilename(account)+".json")
}

// History retrieves the history of one account, newest first
func (fs *FileStorage) History(account string, limit int) ([]Entry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.history(sanitizeFilename(account), limit)
}

func (fs *FileStorage) history(dirName string, limit int) ([]Entry, error) {
	historyDir := filepath.Join(fs.baseDir, "history", dirName)

	files, err := os.ReadDir(historyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	// Sort files by name (newest first)
	sort.Slice(files, func(i, j int) bool {
		return files[i].Name() > files[j].Name()
	})

	entries := []Entry{}
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(historyDir, file.Name()))
		if err != nil {
			fs.logger.Debug("Skipping unreadable history file %s: %v", file.Name(), err)
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			fs.logger.Debug("Skipping invalid history file %s: %v", file.Name(), err)
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

// AllHistory retrieves history across all accounts, newest first
func (fs *FileStorage) AllHistory(limit int) ([]Entry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	accountDirs, err := os.ReadDir(filepath.Join(fs.baseDir, "history"))
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	all := []Entry{}
	for _, dir := range accountDirs {
		if !dir.IsDir() {
			continue
		}
		entries, err := fs.history(dir.Name(), -1)
		if err != nil {
			fs.logger.Debug("Skipping history of %s: %v", dir.Name(), err)
			continue
		}
		all = append(all, entries...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// CleanupOldEntries removes history entries older than the specified duration
func (fs *FileStorage) CleanupOldEntries(olderThan time.Duration) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	historyDir := filepath.Join(fs.baseDir, "history")
	if _, err := os.Stat(historyDir); os.IsNotExist(err) {
		return nil
	}
	cutoff := time.Now().Add(-olderThan)

	var removeErrs []error
	err := filepath.Walk(historyDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}

		name := filepath.Base(path)
		if len(name) < len(fileTimeLayout) {
			return nil
		}
		ts, err := time.Parse(fileTimeLayout, name[:len(fileTimeLayout)])
		if err != nil || !ts.Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			fs.logger.Warn("Failed to remove old history file %s: %v", path, err)
			removeErrs = append(removeErrs, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return errors.Join(removeErrs...)
}

func writeJSON(filename string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0600)
}

// sanitizeFilename replaces characters that might be problematic in filenames
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "-",
		"\\", "-",
		":", "-",
		"*", "-",
		"?", "-",
		"\"", "-",
		"<", "-",
		">", "-",
		"|", "-",
		" ", "_",
	)
	return replacer.Replace(name)
}
