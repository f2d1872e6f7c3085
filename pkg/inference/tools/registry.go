package tools

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/iancoleman/strcase"
	"github.com/rs/zerolog/log"
)

var ErrToolNotFound = errors.New("tool not found")

type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found", e.Name)
}

func (e *ToolNotFoundError) Is(target error) bool { return target == ErrToolNotFound }

// Resolution is what the catalog knows about a tool name.
type Resolution struct {
	Definition       ToolDefinition
	Site             ExecutionSite
	RequiresApproval bool
}

// normalizeName makes lookups insensitive to case and separator style, so
// lookupWeather, LookupWeather and lookup_weather are the same tool.
func normalizeName(name string) string {
	return strcase.ToSnake(name)
}

// Catalog maps tool names to definitions.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]ToolDefinition
}

func NewCatalog(defs ...ToolDefinition) (*Catalog, error) {
	c := &Catalog{tools: map[string]ToolDefinition{}}
	for _, d := range defs {
		if err := c.Register(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) Register(def ToolDefinition) error {
	if def.Name == "" {
		return errors.New("tool name is required")
	}
	if def.Site == "" {
		def.Site = SiteServer
	}
	if def.Site == SiteServer && def.Function == nil {
		return fmt.Errorf("server tool %q has no function", def.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools[normalizeName(def.Name)] = def
	return nil
}

func (c *Catalog) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tools, normalizeName(name))
}

func (c *Catalog) Resolve(name string) (Resolution, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.tools[normalizeName(name)]
	if !ok {
		return Resolution{}, &ToolNotFoundError{Name: name}
	}
	return Resolution{Definition: def, Site: def.Site, RequiresApproval: def.RequiresApproval}, nil
}

// List returns all definitions sorted by name.
func (c *Catalog) List() []ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ret := make([]ToolDefinition, 0, len(c.tools))
	for _, d := range c.tools {
		ret = append(ret, d)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Name < ret[j].Name })
	return ret
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools)
}

// Snapshot returns an independent catalog. Later registrations on either side
// are not visible to the other.
func (c *Catalog) Snapshot() *Catalog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ret := &Catalog{tools: make(map[string]ToolDefinition, len(c.tools))}
	for k, v := range c.tools {
		ret.tools[k] = v
	}
	return ret
}

// WithCallerTools returns a snapshot extended with caller-declared tools.
// A caller tool never shadows a registered tool of the same name.
func (c *Catalog) WithCallerTools(defs []ToolDefinition) *Catalog {
	ret := c.Snapshot()
	for _, d := range defs {
		key := normalizeName(d.Name)
		if _, exists := ret.tools[key]; exists {
			log.Warn().Str("tool", d.Name).Msg("Caller tool shadows a registered tool, ignoring caller declaration")
			continue
		}
		d.Site = SiteCaller
		ret.tools[key] = d
	}
	return ret
}

// Filter returns a snapshot containing only definitions keep accepts.
func (c *Catalog) Filter(keep func(ToolDefinition) bool) *Catalog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ret := &Catalog{tools: map[string]ToolDefinition{}}
	for k, v := range c.tools {
		if keep(v) {
			ret.tools[k] = v
		}
	}
	return ret
}
