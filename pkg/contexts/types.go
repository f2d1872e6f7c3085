package contexts

import (
	"fmt"

	"github.com/huandu/go-clone"
	"github.com/rs/zerolog"
)

type InjectionMode string

const (
	InjectionModeAlways   InjectionMode = "always"
	InjectionModeOnDemand InjectionMode = "on_demand"
)

// Level is a precedence level. Higher levels override lower ones on resource
// id collision.
type Level int

const (
	LevelProfile Level = iota
	LevelAgent
	LevelPrompt
	LevelContent
)

func (l Level) String() string {
	switch l {
	case LevelProfile:
		return "profile"
	case LevelAgent:
		return "agent"
	case LevelPrompt:
		return "prompt"
	case LevelContent:
		return "content"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

type Resource struct {
	ID             string        `json:"id" yaml:"id"`
	ResourceTypeID string        `json:"resourceTypeId" yaml:"resourceTypeId"`
	Name           string        `json:"name" yaml:"name"`
	Description    string        `json:"description,omitempty" yaml:"description,omitempty"`
	Data           interface{}   `json:"data,omitempty" yaml:"data,omitempty"`
	InjectionMode  InjectionMode `json:"injectionMode" yaml:"injectionMode"`
	SortOrder      int           `json:"sortOrder" yaml:"sortOrder"`
	// ContextName is filled in during resolution.
	ContextName string `json:"contextName,omitempty" yaml:"-"`
}

type Context struct {
	ID        string     `json:"id" yaml:"id"`
	Alias     string     `json:"alias,omitempty" yaml:"alias,omitempty"`
	Name      string     `json:"name" yaml:"name"`
	Resources []Resource `json:"resources" yaml:"resources"`
}

func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	return clone.Clone(c).(*Context)
}

// Source records a context that contributed to a resolution.
type Source struct {
	Level       Level  `json:"level"`
	EntityName  string `json:"entityName"`
	ContextID   string `json:"contextId"`
	ContextName string `json:"contextName"`
}

type ResolvedContext struct {
	InjectedResources []Resource `json:"injectedResources"`
	OnDemandResources []Resource `json:"onDemandResources"`
	AllResources      []Resource `json:"allResources"`
	Sources           []Source   `json:"sources"`
}

func (r *ResolvedContext) Clone() *ResolvedContext {
	if r == nil {
		return nil
	}
	return clone.Clone(r).(*ResolvedContext)
}

func (r *ResolvedContext) IsEmpty() bool {
	return r == nil || len(r.AllResources) == 0
}

// OnDemand returns the on-demand resource with the given id.
func (r *ResolvedContext) OnDemand(id string) (Resource, bool) {
	if r == nil {
		return Resource{}, false
	}
	for _, res := range r.OnDemandResources {
		if res.ID == id {
			return res, true
		}
	}
	return Resource{}, false
}

func (r *ResolvedContext) MarshalZerologObject(e *zerolog.Event) {
	e.Int("injected", len(r.InjectedResources)).
		Int("on_demand", len(r.OnDemandResources)).
		Int("all", len(r.AllResources)).
		Int("sources", len(r.Sources))
}
