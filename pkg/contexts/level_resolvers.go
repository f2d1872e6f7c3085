package contexts

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/agentrun/pkg/agents"
)

// Request item keys understood by the built-in resolvers.
const (
	KeyProfileID         = "profileId"
	KeyAgentID           = "agentId"
	KeyAgentContextIDs   = "agentContextIds"
	KeyPromptContextIDs  = "promptContextIds"
	KeyPromptName        = "promptName"
	KeyContentContextIDs = "contentContextIds"
	KeyContentName       = "contentName"
)

// ParseIDList accepts a JSON array of strings or a comma separated list.
func ParseIDList(v string) ([]string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if strings.HasPrefix(v, "[") {
		var ids []string
		if err := json.Unmarshal([]byte(v), &ids); err != nil {
			return nil, errors.Wrap(err, "invalid id list")
		}
		return ids, nil
	}
	var ret []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ret = append(ret, p)
		}
	}
	return ret, nil
}

func agentID(req Request) string {
	if v, ok := req.Value(KeyAgentID); ok && v != "" {
		return v
	}
	return req.AgentID
}

// ProfileResolver contributes the contexts of the profile named by the
// profileId item, or of the agent's profile.
type ProfileResolver struct {
	Agents agents.Store
}

func (p *ProfileResolver) Level() Level { return LevelProfile }

func (p *ProfileResolver) Resolve(ctx context.Context, req Request) ([]Contribution, error) {
	if p.Agents == nil {
		return nil, nil
	}
	profileID, _ := req.Value(KeyProfileID)
	if profileID == "" {
		if id := agentID(req); id != "" {
			a, err := p.Agents.GetAgent(ctx, id)
			if err != nil {
				return nil, err
			}
			profileID = a.ProfileID
		}
	}
	if profileID == "" {
		return nil, nil
	}
	profile, err := p.Agents.GetProfile(ctx, profileID)
	if err != nil {
		return nil, err
	}
	return []Contribution{{EntityName: profile.Name, ContextIDs: profile.ContextIDs}}, nil
}

// AgentResolver contributes the agent's contexts. An explicit
// agentContextIds item replaces the agent's configured list.
type AgentResolver struct {
	Agents agents.Store
}

func (a *AgentResolver) Level() Level { return LevelAgent }

func (a *AgentResolver) Resolve(ctx context.Context, req Request) ([]Contribution, error) {
	var ret Contribution
	id := agentID(req)
	if id != "" && a.Agents != nil {
		agent, err := a.Agents.GetAgent(ctx, id)
		if err != nil {
			return nil, err
		}
		ret.EntityName = agent.Name
		ret.ContextIDs = agent.ContextIDs
	}
	if v, ok := req.Value(KeyAgentContextIDs); ok {
		ids, err := ParseIDList(v)
		if err != nil {
			return nil, err
		}
		ret.ContextIDs = ids
	}
	if len(ret.ContextIDs) == 0 {
		return nil, nil
	}
	return []Contribution{ret}, nil
}

// KeyResolver reads a context id list from one request item.
type KeyResolver struct {
	ResolverLevel Level
	IDsKey        string
	NameKey       string
}

func NewPromptResolver() *KeyResolver {
	return &KeyResolver{ResolverLevel: LevelPrompt, IDsKey: KeyPromptContextIDs, NameKey: KeyPromptName}
}

func NewContentResolver() *KeyResolver {
	return &KeyResolver{ResolverLevel: LevelContent, IDsKey: KeyContentContextIDs, NameKey: KeyContentName}
}

func (k *KeyResolver) Level() Level { return k.ResolverLevel }

func (k *KeyResolver) Resolve(_ context.Context, req Request) ([]Contribution, error) {
	v, ok := req.Value(k.IDsKey)
	if !ok {
		return nil, nil
	}
	ids, err := ParseIDList(v)
	if err != nil {
		return nil, err
	}
	name, _ := req.Value(k.NameKey)
	return []Contribution{{EntityName: name, ContextIDs: ids}}, nil
}

// DefaultLevelResolvers returns the profile, agent, prompt and content
// resolvers.
func DefaultLevelResolvers(store agents.Store) []LevelResolver {
	return []LevelResolver{
		&ProfileResolver{Agents: store},
		&AgentResolver{Agents: store},
		NewPromptResolver(),
		NewContentResolver(),
	}
}
