package transport

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	credsFile      = "creds.json"
	backupsDirName = "backups"
	backupsKept    = 3
	backupStamp    = "20060102-150405.000000000"
)

// requiredCredKeys are the fields a usable credential blob must carry.
// Anything less and the account needs a fresh QR pairing.
var requiredCredKeys = []string{"me", "noiseKey", "signedIdentityKey"}

// SessionManager owns one session directory: the credential blob plus the
// signal key files the bridge needs to resume an authenticated connection.
// Exactly one process holds a session.
type SessionManager struct {
	root string
	mu   sync.Mutex
}

// NewSessionManager roots a manager at dir/name.
func NewSessionManager(dir, name string) *SessionManager {
	return &SessionManager{root: filepath.Join(dir, name)}
}

// Path returns the session directory.
func (m *SessionManager) Path() string { return m.root }

// Exists reports whether a credential blob is present.
func (m *SessionManager) Exists() bool {
	_, err := os.Stat(filepath.Join(m.root, credsFile))
	return err == nil
}

// Validate checks the session is structurally usable: the credential file
// exists, parses, and carries the required keys.
func (m *SessionManager) Validate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(m.root, credsFile))
	if err != nil {
		return fmt.Errorf("read %s: %w", credsFile, err)
	}
	var creds map[string]json.RawMessage
	if err := json.Unmarshal(data, &creds); err != nil {
		return fmt.Errorf("parse %s: %w", credsFile, err)
	}
	for _, key := range requiredCredKeys {
		if _, ok := creds[key]; !ok {
			return fmt.Errorf("%s missing %q", credsFile, key)
		}
	}
	return nil
}

// Files loads every JSON blob in the session directory for the init upload.
func (m *SessionManager) Files() (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	files := make(map[string]json.RawMessage)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.root, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		files[e.Name()] = json.RawMessage(data)
	}
	return files, nil
}

// Write persists one updated blob atomically (temp file + rename).
// filenames are flattened to their base to keep writes inside the session.
func (m *SessionManager) Write(file string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.root, 0700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	name := filepath.Base(file)
	target := filepath.Join(m.root, name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, blob, 0600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}

// BackupInfo describes one stored backup.
type BackupInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Files     int       `json:"files"`
}

// Backup copies the current session files into a timestamped directory and
// prunes everything beyond the three most recent backups.
func (m *SessionManager) Backup() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.root)
	if err != nil {
		return "", fmt.Errorf("read session dir: %w", err)
	}
	stamp := time.Now().Format(backupStamp)
	dest := filepath.Join(m.root, backupsDirName, stamp)
	if err := os.MkdirAll(dest, 0700); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.root, e.Name()))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", e.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(dest, e.Name()), data, 0600); err != nil {
			return "", fmt.Errorf("copy %s: %w", e.Name(), err)
		}
	}
	if err := m.pruneBackupsLocked(); err != nil {
		return "", err
	}
	return stamp, nil
}

// Backups lists stored backups, newest first.
func (m *SessionManager) Backups() ([]BackupInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backupsLocked()
}

func (m *SessionManager) backupsLocked() ([]BackupInfo, error) {
	dir := filepath.Join(m.root, backupsDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backups dir: %w", err)
	}
	var infos []BackupInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ts, err := time.ParseInLocation(backupStamp, e.Name(), time.Local)
		if err != nil {
			continue
		}
		files, _ := os.ReadDir(filepath.Join(dir, e.Name()))
		infos = append(infos, BackupInfo{Name: e.Name(), CreatedAt: ts, Files: len(files)})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name > infos[j].Name })
	return infos, nil
}

func (m *SessionManager) pruneBackupsLocked() error {
	infos, err := m.backupsLocked()
	if err != nil {
		return err
	}
	for _, old := range infos[min(len(infos), backupsKept):] {
		if err := os.RemoveAll(filepath.Join(m.root, backupsDirName, old.Name)); err != nil {
			return fmt.Errorf("prune backup %s: %w", old.Name, err)
		}
	}
	return nil
}

// Restore replaces the current session files with a named backup.
// The caller must have stopped the connection first.
func (m *SessionManager) Restore(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := filepath.Join(m.root, backupsDirName, filepath.Base(name))
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("read backup %s: %w", name, err)
	}
	if err := m.clearLocked(); err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(src, e.Name()))
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(m.root, e.Name()), data, 0600); err != nil {
			return fmt.Errorf("restore %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Clear removes the session files, keeping backups.
func (m *SessionManager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clearLocked()
}

func (m *SessionManager) clearLocked() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(m.root, e.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", e.Name(), err)
		}
	}
	return nil
}
