package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/courier-cli/api/schemas"
)

// masterKeyFile sits next to the store file when the store is encrypted.
const masterKeyFile = "master.key"

// snapshot is the persisted layout of a Local store.
type snapshot struct {
	Cookies  map[string][]schemas.Cookie `json:"cookies"`
	Settings map[string]string           `json:"settings"`
	Attempts map[string]attemptRecord    `json:"attempts"`
}

type attemptRecord struct {
	Status schemas.AttemptStatus `json:"status"`
	At     time.Time             `json:"at"`
}

// Local is a record store held in memory and, when opened from a path,
// persisted through an atomic data file after every write. It serves
// single-operator runs that have no database configured, and tests.
type Local struct {
	mu   sync.RWMutex
	data snapshot
	// save persists a candidate snapshot; nil for memory-only stores.
	save func(*snapshot) error
	log  *zap.Logger
	now  func() time.Time
}

var _ schemas.RecordStore = (*Local)(nil)

// NewMemory returns a Local store that is never written to disk.
func NewMemory() *Local {
	return &Local{data: emptySnapshot(), log: zap.NewNop(), now: time.Now}
}

// OpenLocal loads (or starts) a file-backed store at path; "~" is expanded.
// A non-empty passphrase encrypts the file with a master key kept in the same
// directory. Once a master key exists the store refuses to open without it.
func OpenLocal(path, passphrase string, logger *zap.Logger) (*Local, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand store path: %w", err)
	}
	dir, name := filepath.Split(expanded)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	log := logger.Named("store")
	key, err := loadMasterKey(dir, passphrase, log)
	if err != nil {
		return nil, err
	}
	st := storage.New(dir, key)

	l := &Local{
		data: emptySnapshot(),
		save: func(s *snapshot) error { return st.SaveDataFile(name, s) },
		log:  log,
		now:  time.Now,
	}
	if err := st.ReadDataFile(name, &l.data); err != nil {
		if os.IsNotExist(err) || errors.Is(err, fs.ErrNotExist) {
			return l, nil
		}
		return nil, fmt.Errorf("failed to read store file %s: %w", expanded, err)
	}
	l.data.fill()
	return l, nil
}

// loadMasterKey returns nil when the store runs unencrypted.
func loadMasterKey(dir, passphrase string, log *zap.Logger) (crypto.MasterKey, error) {
	keyFile := filepath.Join(dir, masterKeyFile)
	if passphrase == "" {
		if _, err := os.Stat(keyFile); err == nil {
			return nil, fmt.Errorf("%w: %s exists but no passphrase is set (COURIER_DATABASE_PASSPHRASE); refusing to open the encrypted store", schemas.ErrConfiguration, keyFile)
		}
		log.Debug("No store passphrase set; local state is stored unencrypted.")
		return nil, nil
	}

	key, err := crypto.ReadMasterKey([]byte(passphrase), keyFile)
	if err == nil {
		log.Debug("Loaded store master key.")
		return key, nil
	}
	if !os.IsNotExist(err) && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read store master key: %w", err)
	}

	log.Info("Initializing a new store master key.", zap.String("path", keyFile))
	key, err = crypto.CreateMasterKey()
	if err != nil {
		return nil, fmt.Errorf("failed to create store master key: %w", err)
	}
	if err := key.Save([]byte(passphrase), keyFile); err != nil {
		return nil, fmt.Errorf("failed to save store master key: %w", err)
	}
	return key, nil
}

func emptySnapshot() snapshot {
	s := snapshot{}
	s.fill()
	return s
}

func (s *snapshot) fill() {
	if s.Cookies == nil {
		s.Cookies = make(map[string][]schemas.Cookie)
	}
	if s.Settings == nil {
		s.Settings = make(map[string]string)
	}
	if s.Attempts == nil {
		s.Attempts = make(map[string]attemptRecord)
	}
}

func (s *snapshot) clone() snapshot {
	c := snapshot{
		Cookies:  make(map[string][]schemas.Cookie, len(s.Cookies)),
		Settings: make(map[string]string, len(s.Settings)),
		Attempts: make(map[string]attemptRecord, len(s.Attempts)),
	}
	for k, v := range s.Cookies {
		c.Cookies[k] = append([]schemas.Cookie(nil), v...)
	}
	for k, v := range s.Settings {
		c.Settings[k] = v
	}
	for k, v := range s.Attempts {
		c.Attempts[k] = v
	}
	return c
}

// update applies change to a copy of the data and installs the copy only
// once it has been persisted, so a failed write leaves memory untouched.
func (l *Local) update(change func(*snapshot)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.data.clone()
	change(&next)
	if l.save != nil {
		if err := l.save(&next); err != nil {
			return fmt.Errorf("failed to write store: %w", err)
		}
	}
	l.data = next
	return nil
}

func (l *Local) GetCookies(_ context.Context, domain string) ([]schemas.Cookie, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cookies, ok := l.data.Cookies[domain]
	if !ok {
		return nil, nil
	}
	return append([]schemas.Cookie(nil), cookies...), nil
}

func (l *Local) SetCookies(_ context.Context, domain string, cookies []schemas.Cookie) error {
	return l.update(func(s *snapshot) {
		s.Cookies[domain] = append([]schemas.Cookie(nil), cookies...)
	})
}

func (l *Local) ClearCookies(_ context.Context, domain string) error {
	return l.update(func(s *snapshot) {
		if domain == "" {
			s.Cookies = make(map[string][]schemas.Cookie)
			return
		}
		delete(s.Cookies, domain)
	})
}

func (l *Local) GetSetting(_ context.Context, key, def string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if v, ok := l.data.Settings[key]; ok {
		return v, nil
	}
	return def, nil
}

func (l *Local) SetSetting(_ context.Context, key, value string) error {
	return l.update(func(s *snapshot) { s.Settings[key] = value })
}

func (l *Local) RecordAttempt(_ context.Context, targetID string, status schemas.AttemptStatus) error {
	at := l.now().UTC()
	return l.update(func(s *snapshot) {
		s.Attempts[targetID] = attemptRecord{Status: status, At: at}
	})
}

func (l *Local) HasSuccessfulAttempt(_ context.Context, targetID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.data.Attempts[targetID]
	return ok && rec.Status == schemas.StatusSuccess, nil
}

func (l *Local) ListAttempts(_ context.Context) ([]schemas.AttemptResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]schemas.AttemptResult, 0, len(l.data.Attempts))
	for id, rec := range l.data.Attempts {
		out = append(out, schemas.AttemptResult{TargetID: id, Status: rec.Status, Timestamp: rec.At})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].TargetID < out[j].TargetID
	})
	return out, nil
}

func (l *Local) ClearAttempts(_ context.Context) error {
	return l.update(func(s *snapshot) {
		s.Attempts = make(map[string]attemptRecord)
	})
}
