package tools

import (
	"github.com/mb0/glob"
	"github.com/rs/zerolog/log"
)

// PermissionFilter decides which server tools an agent may use. A tool is
// permitted when its name matches one of AllowedToolIDs or its scope matches
// one of AllowedScopes; both accept glob patterns. Tools without a scope can
// only be allowed by name. System tools and caller-declared tools are always
// permitted.
type PermissionFilter struct {
	AllowedToolIDs []string
	AllowedScopes  []string
}

func matchAny(patterns []string, value string) bool {
	if value == "" {
		return false
	}
	for _, p := range patterns {
		ok, err := glob.Match(p, value)
		if err != nil {
			log.Warn().Err(err).Str("pattern", p).Msg("Invalid tool permission pattern")
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

func (f PermissionFilter) Allows(def ToolDefinition) bool {
	if def.System || def.Site == SiteCaller {
		return true
	}
	if matchAny(f.AllowedToolIDs, def.Name) || matchAny(f.AllowedToolIDs, normalizeName(def.Name)) {
		return true
	}
	return matchAny(f.AllowedScopes, def.Scope)
}

func (f PermissionFilter) FilterDefinitions(defs []ToolDefinition) []ToolDefinition {
	ret := make([]ToolDefinition, 0, len(defs))
	for _, d := range defs {
		if f.Allows(d) {
			ret = append(ret, d)
		} else {
			log.Debug().Str("tool", d.Name).Str("scope", d.Scope).Msg("Tool not permitted for agent")
		}
	}
	return ret
}

func (f PermissionFilter) FilterCatalog(c *Catalog) *Catalog {
	return c.Filter(f.Allows)
}
