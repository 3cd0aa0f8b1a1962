package client

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const fileStoreExt = ".json"

// FileStore is a Storage kept as one file per key in a directory. Several
// processes pointing at the same directory behave like tabs of one browser
// profile: writes by one are reported to the watchers of the others.
type FileStore struct {
	dir    string
	origin string
	log    zerolog.Logger

	mu     sync.Mutex
	closed bool
	stops  []func()
}

type fileRecord struct {
	Origin string `json:"origin"`
	Value  string `json:"value"`
}

// NewFileStore opens (and creates) dir.
func NewFileStore(dir string, log zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("filestore: prepare %q: %w", dir, err)
	}
	return &FileStore{
		dir:    dir,
		origin: uuid.NewString(),
		log:    log.With().Str("component", "filestore").Logger(),
	}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+fileStoreExt)
}

func keyFromPath(p string) (string, bool) {
	name := filepath.Base(p)
	if !strings.HasSuffix(name, fileStoreExt) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, fileStoreExt))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func readRecord(p string) (fileRecord, bool) {
	raw, err := os.ReadFile(p)
	if err != nil {
		return fileRecord{}, false
	}
	var rec fileRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fileRecord{}, false
	}
	return rec, true
}

// Get returns the stored value for key.
func (s *FileStore) Get(key string) (string, bool) {
	rec, ok := readRecord(s.path(key))
	if !ok {
		return "", false
	}
	return rec.Value, true
}

// Set writes key atomically through a temp file and rename.
func (s *FileStore) Set(key, value string) error {
	if s.isClosed() {
		return ErrStorageClosed
	}
	raw, err := json.Marshal(fileRecord{Origin: s.origin, Value: value})
	if err != nil {
		return fmt.Errorf("filestore: encode %q: %w", key, err)
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("filestore: temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("filestore: write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("filestore: close %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("filestore: rename %q: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *FileStore) Remove(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("filestore: remove %q: %w", key, err)
	}
	return nil
}

// Watch reports keys written by other FileStores on the same directory.
// Removals are not reported.
func (s *FileStore) Watch(fn func(StorageEvent)) (func(), error) {
	if s.isClosed() {
		return nil, ErrStorageClosed
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filestore: create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("filestore: watch %q: %w", s.dir, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
					continue
				}
				key, ok := keyFromPath(ev.Name)
				if !ok {
					continue
				}
				rec, ok := readRecord(ev.Name)
				if !ok || rec.Origin == s.origin {
					continue
				}
				fn(StorageEvent{Key: key, Value: rec.Value})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn().Err(err).Msg("watcher error")
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			watcher.Close()
			<-done
		})
	}
	s.mu.Lock()
	s.stops = append(s.stops, cancel)
	s.mu.Unlock()
	return cancel, nil
}

// Close stops every watcher.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stops := s.stops
	s.stops = nil
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	return nil
}

func (s *FileStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
