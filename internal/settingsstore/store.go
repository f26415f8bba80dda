// Package settingsstore is the reference ports.SettingsStore and
// ports.SaveLocationMemory implementation: both persist as plain JSON
// through the Fs façade, independent of the viper-backed CLI config in
// cmd/zipline (persisted application state is opaque to the engine; plain
// JSON is this host's choice of format).
package settingsstore

import (
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/daemon-001/zipline/pkg/ports"
)

// defaultSettings is returned by Load when no settings file exists yet.
func defaultSettings() ports.Settings {
	return ports.Settings{
		DisplayName:       "",
		DefaultSaveDir:    "",
		ListenPort:        ports.DefaultListenPort,
		ShowNotifications: true,
		Theme:             "system",
		Autostart:         false,
	}
}

// Store persists Settings as a JSON document at path via fs.
type Store struct {
	fs   ports.Fs
	path string

	mu sync.Mutex
}

// NewStore builds a Store backed by fs, persisting to path.
func NewStore(fs ports.Fs, path string) *Store {
	return &Store{fs: fs, path: path}
}

// Load reads Settings from disk, returning defaultSettings if the file
// does not yet exist.
func (s *Store) Load() (ports.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.fs.Open(s.path)
	if err != nil {
		return defaultSettings(), nil
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		return ports.Settings{}, err
	}
	if len(b) == 0 {
		return defaultSettings(), nil
	}

	var out ports.Settings
	if err := json.Unmarshal(b, &out); err != nil {
		return ports.Settings{}, err
	}
	return out, nil
}

// Save writes Settings as JSON, overwriting any previous contents.
func (s *Store) Save(settings ports.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	w, err := s.fs.Create(s.path)
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = w.Write(b)
	return err
}

// saveLocationDocument is the on-disk shape for SaveLocationMemory.
type saveLocationDocument struct {
	Default string            `json:"default"`
	ByPeer  map[string]string `json:"by_peer"`
}

// Memory is the reference SaveLocationMemory: a peer-signature → directory
// map plus a default, persisted as JSON through Fs. Every mutation is
// flushed immediately; callers don't need an explicit Save.
type Memory struct {
	fs   ports.Fs
	path string

	mu  sync.Mutex
	doc saveLocationDocument
}

// NewMemory loads (or initializes) the save-location document at path.
func NewMemory(fs ports.Fs, path string) (*Memory, error) {
	m := &Memory{fs: fs, path: path, doc: saveLocationDocument{ByPeer: make(map[string]string)}}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Memory) load() error {
	r, err := m.fs.Open(m.path)
	if err != nil {
		return nil
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	var doc saveLocationDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc.ByPeer == nil {
		doc.ByPeer = make(map[string]string)
	}
	m.doc = doc
	return nil
}

func (m *Memory) flush() error {
	b, err := json.MarshalIndent(m.doc, "", "  ")
	if err != nil {
		return err
	}
	w, err := m.fs.Create(m.path)
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = w.Write(b)
	return err
}

// Get returns the remembered destination for signature, if any.
func (m *Memory) Get(signature string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path, ok := m.doc.ByPeer[signature]
	return path, ok
}

// Set remembers path as the destination for signature and persists it.
func (m *Memory) Set(signature, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if signature == "" {
		return errors.New("settingsstore: signature must not be empty")
	}
	m.doc.ByPeer[signature] = path
	return m.flush()
}

// Default returns the process-wide fallback destination directory.
func (m *Memory) Default() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Default
}

// SetDefault updates the process-wide fallback destination and persists it.
func (m *Memory) SetDefault(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.Default = path
	return m.flush()
}
