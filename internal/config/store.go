package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/jsonc"

	"github.com/dshills/pluginhost/internal/permission"
)

// DocumentFile is the per-plugin configuration file name.
const DocumentFile = "config.json"

// Document is a plugin's persisted configuration.
type Document struct {
	// Values are free-form key-value settings.
	Values map[string]any `json:"values,omitempty"`

	// Permissions override the plugin's compiled-in permission defaults,
	// keyed by permission name.
	Permissions map[string]permission.Spec `json:"permissions,omitempty"`
}

// Clone returns a copy of d whose maps can be modified freely.
func (d *Document) Clone() *Document {
	out := &Document{
		Values:      make(map[string]any, len(d.Values)),
		Permissions: make(map[string]permission.Spec, len(d.Permissions)),
	}
	for k, v := range d.Values {
		out.Values[k] = v
	}
	for k, v := range d.Permissions {
		v.IDs = append([]string(nil), v.IDs...)
		out.Permissions[k] = v
	}
	return out
}

// Store persists plugin configuration documents.
type Store interface {
	Load(plugin string) (*Document, error)
	Save(plugin string, doc *Document) error
}

// FileStore keeps one document per plugin at <root>/<plugin>/config.json.
// A missing file loads as an empty document.
type FileStore struct {
	mu   sync.Mutex
	root string
}

// NewFileStore creates a store rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Root returns the store's root directory.
func (s *FileStore) Root() string {
	return s.root
}

// Path returns the document path for a plugin.
func (s *FileStore) Path(plugin string) string {
	return filepath.Join(s.root, plugin, DocumentFile)
}

// Load reads a plugin's document. Comments and trailing commas are accepted.
func (s *FileStore) Load(plugin string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(plugin)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Document{}, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return nil, &ParseError{Path: path, Message: err.Error(), Err: err}
	}
	return &doc, nil
}

// Save writes a plugin's document atomically.
func (s *FileStore) Save(plugin string, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(plugin)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config for %s: %w", plugin, err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// MemoryStore is a Store held in memory.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]*Document
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document)}
}

// Load returns a copy of the stored document, or an empty one.
func (s *MemoryStore) Load(plugin string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[plugin]; ok {
		return doc.Clone(), nil
	}
	return &Document{}, nil
}

// Save stores a copy of doc.
func (s *MemoryStore) Save(plugin string, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[plugin] = doc.Clone()
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
