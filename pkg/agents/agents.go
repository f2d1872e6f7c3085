package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/huandu/go-clone"
	pkgerrors "github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	ErrAgentNotFound   = errors.New("agent not found")
	ErrAgentInactive   = errors.New("agent is inactive")
	ErrProfileNotFound = errors.New("profile not found")
)

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	switch e.Kind {
	case "agent":
		return target == ErrAgentNotFound
	case "profile":
		return target == ErrProfileNotFound
	}
	return false
}

type InactiveError struct {
	AgentID string
}

func (e *InactiveError) Error() string {
	return fmt.Sprintf("agent %q is inactive", e.AgentID)
}

func (e *InactiveError) Is(target error) bool { return target == ErrAgentInactive }

// Agent binds instructions, contexts and tool permissions to a profile.
type Agent struct {
	ID           string   `yaml:"id" json:"id"`
	Alias        string   `yaml:"alias,omitempty" json:"alias,omitempty"`
	Name         string   `yaml:"name" json:"name"`
	Active       bool     `yaml:"active" json:"active"`
	ProfileID    string   `yaml:"profileId,omitempty" json:"profileId,omitempty"`
	ContextIDs   []string `yaml:"contextIds,omitempty" json:"contextIds,omitempty"`
	Instructions string   `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	// AllowedToolIDs and AllowedToolScopes accept glob patterns.
	AllowedToolIDs    []string `yaml:"allowedToolIds,omitempty" json:"allowedToolIds,omitempty"`
	AllowedToolScopes []string `yaml:"allowedToolScopes,omitempty" json:"allowedToolScopes,omitempty"`
}

// Profile carries model settings and profile-level contexts.
type Profile struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Model       string   `yaml:"model,omitempty" json:"model,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int      `yaml:"maxTokens,omitempty" json:"maxTokens,omitempty"`
	ContextIDs  []string `yaml:"contextIds,omitempty" json:"contextIds,omitempty"`
}

type Store interface {
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetProfile(ctx context.Context, id string) (*Profile, error)
}

// GetActiveAgent fetches an agent and rejects inactive ones.
func GetActiveAgent(ctx context.Context, s Store, id string) (*Agent, error) {
	a, err := s.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return nil, &InactiveError{AgentID: id}
	}
	return a, nil
}

type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	profiles map[string]*Profile
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   map[string]*Agent{},
		profiles: map[string]*Profile{},
	}
}

func (s *MemoryStore) PutAgent(a *Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := clone.Clone(a).(*Agent)
	s.agents[a.ID] = c
	if a.Alias != "" {
		s.agents[a.Alias] = c
	}
}

func (s *MemoryStore) PutProfile(p *Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = clone.Clone(p).(*Profile)
}

// GetAgent looks agents up by id or alias.
func (s *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, &NotFoundError{Kind: "agent", ID: id}
	}
	return clone.Clone(a).(*Agent), nil
}

func (s *MemoryStore) GetProfile(_ context.Context, id string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, &NotFoundError{Kind: "profile", ID: id}
	}
	return clone.Clone(p).(*Profile), nil
}

type document struct {
	Profiles []*Profile `yaml:"profiles"`
	Agents   []*Agent   `yaml:"agents"`
}

// LoadYAMLFile reads agents and profiles from a YAML file into a MemoryStore.
func LoadYAMLFile(path string) (*MemoryStore, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "could not read %s", path)
	}
	return ParseYAML(b)
}

func ParseYAML(b []byte) (*MemoryStore, error) {
	var doc document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, pkgerrors.Wrap(err, "could not parse agents yaml")
	}
	s := NewMemoryStore()
	for i, p := range doc.Profiles {
		if p == nil || p.ID == "" {
			return nil, pkgerrors.Errorf("profile at index %d has no id", i)
		}
		s.PutProfile(p)
	}
	for i, a := range doc.Agents {
		if a == nil || a.ID == "" {
			return nil, pkgerrors.Errorf("agent at index %d has no id", i)
		}
		s.PutAgent(a)
	}
	return s, nil
}
