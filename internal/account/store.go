package account

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
)

const (
	storageVersion = 1

	accountsFileName = "kiro-accounts.json"
	usageFileName    = "kiro-usage.json"

	lockAttempts     = 5
	lockInitialDelay = 100 * time.Millisecond
)

// Storage is the persisted shape of the account fleet.
type Storage struct {
	Version     int        `json:"version"`
	Accounts    []*Account `json:"accounts"`
	ActiveIndex int        `json:"activeIndex"`
}

// UsageRecord is the per-account slice of the usage file.
type UsageRecord struct {
	UsedCount  int    `json:"usedCount"`
	LimitCount int    `json:"limitCount"`
	RealEmail  string `json:"realEmail,omitempty"`
	LastSync   int64  `json:"lastSync,omitempty"`
}

type usageFile struct {
	Version int                     `json:"version"`
	Usage   map[string]*UsageRecord `json:"usage"`
}

// Store persists accounts and usage as JSON under the opencode config
// directory. All writes go through an advisory file lock and land via
// temp-file-and-rename, so a crash mid-save leaves the previous file intact.
type Store struct {
	dir          string
	accountsPath string
	usagePath    string
}

// DefaultDir resolves the opencode config directory for the current user.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(base, "opencode"), nil
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{
		dir:          dir,
		accountsPath: filepath.Join(dir, accountsFileName),
		usagePath:    filepath.Join(dir, usageFileName),
	}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// withLock serialises access against other processes, retrying with
// exponential backoff, 5 attempts total. The kernel releases the lock when
// its holder exits, so a leftover lock file is never held; the path is
// never removed, since unlinking it while another process still holds the
// lock would let a second writer lock a fresh inode and proceed in
// parallel.
func (s *Store) withLock(fn func() error) error {
	lockPath := s.accountsPath + ".lock"
	fl := flock.New(lockPath)
	delay := lockInitialDelay
	for attempt := 0; attempt < lockAttempts; attempt++ {
		locked, err := fl.TryLock()
		if err == nil && locked {
			defer func() { _ = fl.Unlock() }()
			return fn()
		}
		time.Sleep(delay)
		delay *= 2
	}
	return fmt.Errorf("account store: could not acquire lock on %s", lockPath)
}

// Load reads the persisted fleet, merging usage records onto the accounts.
// Missing or corrupt files load as empty; parse errors are never propagated.
func (s *Store) Load() (*Storage, error) {
	storage := &Storage{Version: storageVersion}
	err := s.withLock(func() error {
		data, err := os.ReadFile(s.accountsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Warnf("account store: read %s: %v", s.accountsPath, err)
			}
			return nil
		}
		var loaded Storage
		if err := json.Unmarshal(data, &loaded); err != nil {
			log.Warnf("account store: corrupt accounts file, starting empty: %v", err)
			return nil
		}
		if loaded.Version != storageVersion {
			log.Warnf("account store: unknown version %d, starting empty", loaded.Version)
			return nil
		}
		*storage = loaded

		usage := s.loadUsage()
		for _, acc := range storage.Accounts {
			rec, ok := usage[acc.ID]
			if !ok {
				continue
			}
			acc.UsedCount = rec.UsedCount
			acc.LimitCount = rec.LimitCount
			acc.RealEmail = rec.RealEmail
			if rec.LastSync > acc.LastSync {
				acc.LastSync = rec.LastSync
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if storage.Accounts == nil {
		storage.Accounts = []*Account{}
	}
	if storage.ActiveIndex < 0 || storage.ActiveIndex >= len(storage.Accounts) {
		storage.ActiveIndex = 0
	}
	return storage, nil
}

func (s *Store) loadUsage() map[string]*UsageRecord {
	data, err := os.ReadFile(s.usagePath)
	if err != nil {
		return nil
	}
	var uf usageFile
	if err := json.Unmarshal(data, &uf); err != nil || uf.Version != storageVersion {
		return nil
	}
	return uf.Usage
}

// Save writes both files atomically under the lock.
func (s *Store) Save(storage *Storage) error {
	return s.withLock(func() error {
		out := Storage{
			Version:     storageVersion,
			Accounts:    storage.Accounts,
			ActiveIndex: storage.ActiveIndex,
		}
		data, err := json.MarshalIndent(&out, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal accounts: %w", err)
		}
		if err := writeFileAtomic(s.accountsPath, data); err != nil {
			return fmt.Errorf("write accounts: %w", err)
		}

		uf := usageFile{Version: storageVersion, Usage: map[string]*UsageRecord{}}
		for _, acc := range storage.Accounts {
			if acc.UsedCount == 0 && acc.LimitCount == 0 && acc.RealEmail == "" && acc.LastSync == 0 {
				continue
			}
			uf.Usage[acc.ID] = &UsageRecord{
				UsedCount:  acc.UsedCount,
				LimitCount: acc.LimitCount,
				RealEmail:  acc.RealEmail,
				LastSync:   acc.LastSync,
			}
		}
		udata, err := json.MarshalIndent(&uf, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal usage: %w", err)
		}
		if err := writeFileAtomic(s.usagePath, udata); err != nil {
			return fmt.Errorf("write usage: %w", err)
		}
		return nil
	})
}

func writeFileAtomic(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp.%d", path, rand.Int63())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
