package contexts

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type contextsDocument struct {
	Contexts []*Context `yaml:"contexts"`
}

// YAMLFileStore serves contexts from a YAML document of the form
//
//	contexts:
//	  - id: brand
//	    name: Brand voice
//	    resources:
//	      - id: tone
//	        name: Tone
//	        injectionMode: always
//	        data: Be friendly.
type YAMLFileStore struct {
	mu     sync.RWMutex
	path   string
	memory *MemoryStore
}

var _ Store = (*YAMLFileStore)(nil)

func NewYAMLFileStore(path string) (*YAMLFileStore, error) {
	if path == "" {
		return nil, errors.New("yaml context store path is required")
	}
	s := &YAMLFileStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseContextsYAML decodes a contexts document.
func ParseContextsYAML(b []byte) ([]*Context, error) {
	var doc contextsDocument
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrap(err, "could not parse contexts yaml")
	}
	for i, c := range doc.Contexts {
		if c == nil || c.ID == "" {
			return nil, errors.Errorf("context at index %d has no id", i)
		}
	}
	return doc.Contexts, nil
}

// Reload re-reads the file. A failed reload keeps the previous contents.
func (s *YAMLFileStore) Reload() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return errors.Wrapf(err, "could not read %s", s.path)
	}
	cs, err := ParseContextsYAML(b)
	if err != nil {
		return errors.Wrapf(err, "in %s", s.path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory = NewMemoryStore(cs...)
	return nil
}

func (s *YAMLFileStore) GetContextByID(ctx context.Context, id string) (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memory.GetContextByID(ctx, id)
}
