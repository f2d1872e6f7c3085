package contexts

import (
	"context"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Item is an opaque key/value pair from a run request. Level resolvers pick
// the keys they own.
type Item struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Request struct {
	AgentID string
	Items   []Item
}

// Value returns the last value for key.
func (r Request) Value(key string) (string, bool) {
	for i := len(r.Items) - 1; i >= 0; i-- {
		if r.Items[i].Key == key {
			return r.Items[i].Value, true
		}
	}
	return "", false
}

// Contribution is the list of contexts an entity at some level brings in.
type Contribution struct {
	EntityName string
	ContextIDs []string
}

type LevelResolver interface {
	Level() Level
	Resolve(ctx context.Context, req Request) ([]Contribution, error)
}

// Diagnostic describes a recoverable problem hit during resolution.
type Diagnostic struct {
	Level     Level
	ContextID string
	Err       error
}

type DiagnosticFunc func(Diagnostic)

func logDiagnostic(d Diagnostic) {
	log.Warn().Err(d.Err).Str("level", d.Level.String()).Str("context_id", d.ContextID).
		Msg("Skipping context during resolution")
}

type Resolver struct {
	store       Store
	levels      []LevelResolver
	diagnostics DiagnosticFunc
}

type ResolverOption func(*Resolver)

func WithLevelResolvers(rs ...LevelResolver) ResolverOption {
	return func(r *Resolver) {
		r.levels = append(r.levels, rs...)
	}
}

func WithDiagnostics(f DiagnosticFunc) ResolverOption {
	return func(r *Resolver) {
		r.diagnostics = f
	}
}

func NewResolver(store Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:       store,
		diagnostics: logDiagnostic,
	}
	for _, o := range opts {
		o(r)
	}
	// registration order never decides precedence
	sort.SliceStable(r.levels, func(i, j int) bool {
		return r.levels[i].Level() < r.levels[j].Level()
	})
	return r
}

// Resolve merges the contexts contributed at every level into one resolved
// context. Store and resolver failures are reported as diagnostics and
// skipped; missing contexts are skipped silently. The only error returned is
// context cancellation.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*ResolvedContext, error) {
	set := newResourceSet()
	ret := &ResolvedContext{}

	for _, lr := range r.levels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		level := lr.Level()
		contributions, err := lr.Resolve(ctx, req)
		if err != nil {
			r.diagnostics(Diagnostic{Level: level, Err: errors.Wrapf(err, "resolving %s level", level)})
			continue
		}

		for _, contribution := range contributions {
			for _, id := range contribution.ContextIDs {
				c, err := r.store.GetContextByID(ctx, id)
				if err != nil {
					if errors.Is(err, ErrContextNotFound) {
						log.Debug().Str("level", level.String()).Str("context_id", id).Msg("Context not found, skipping")
						continue
					}
					if ctx.Err() != nil {
						return nil, ctx.Err()
					}
					r.diagnostics(Diagnostic{Level: level, ContextID: id, Err: err})
					continue
				}
				if c == nil {
					continue
				}

				ret.Sources = append(ret.Sources, Source{
					Level:       level,
					EntityName:  contribution.EntityName,
					ContextID:   c.ID,
					ContextName: c.Name,
				})

				resources := append([]Resource(nil), c.Resources...)
				sort.SliceStable(resources, func(i, j int) bool {
					return resources[i].SortOrder < resources[j].SortOrder
				})
				for i, res := range resources {
					res.ContextName = c.Name
					key := res.ID
					if key == "" {
						key = c.ID + "#" + strconv.Itoa(i)
					}
					set.put(key, res)
				}
			}
		}
	}

	ret.AllResources = set.items()
	for _, res := range ret.AllResources {
		switch res.InjectionMode {
		case InjectionModeAlways:
			ret.InjectedResources = append(ret.InjectedResources, res)
		case InjectionModeOnDemand:
			ret.OnDemandResources = append(ret.OnDemandResources, res)
		}
	}

	log.Debug().Object("resolved", ret).Msg("Resolved context")
	return ret, nil
}

// resourceSet is an insertion-ordered map. Re-inserting an existing key moves
// it to the end.
type resourceSet struct {
	keys  []string
	vals  []Resource
	index map[string]int
}

func newResourceSet() *resourceSet {
	return &resourceSet{index: map[string]int{}}
}

func (s *resourceSet) put(key string, r Resource) {
	if i, ok := s.index[key]; ok {
		s.keys = append(s.keys[:i], s.keys[i+1:]...)
		s.vals = append(s.vals[:i], s.vals[i+1:]...)
		for j := i; j < len(s.keys); j++ {
			s.index[s.keys[j]] = j
		}
	}
	s.index[key] = len(s.keys)
	s.keys = append(s.keys, key)
	s.vals = append(s.vals, r)
}

func (s *resourceSet) items() []Resource {
	return append([]Resource(nil), s.vals...)
}
