package session

import (
	"context"

	"github.com/go-go-golems/agentrun/pkg/contexts"
	"github.com/go-go-golems/agentrun/pkg/inference/tools"
	"github.com/pkg/errors"
)

const ContextResourceToolName = "get_context_resource"

type contextResourceInput struct {
	ResourceID string `json:"resourceId" jsonschema:"required,description=Id of the on-demand context resource"`
}

type contextResourceOutput struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content"`
}

func getContextResource(ctx context.Context, in contextResourceInput) (*contextResourceOutput, error) {
	rc, ok := contexts.ResolvedFromContext(ctx)
	if !ok {
		return nil, errors.New("no context resolved for this run")
	}
	r, ok := rc.OnDemand(in.ResourceID)
	if !ok {
		return nil, errors.Errorf("context resource %q not found", in.ResourceID)
	}
	text, err := contexts.ResourceText(r)
	if err != nil {
		return nil, err
	}
	return &contextResourceOutput{ID: r.ID, Name: r.Name, Description: r.Description, Content: text}, nil
}

// contextResourceTool lets the model fetch on-demand resources of the run's
// resolved context.
func contextResourceTool() (tools.ToolDefinition, error) {
	def, err := tools.NewToolFromFunc(
		ContextResourceToolName,
		"Fetch the content of an on-demand context resource by id. Available resources are listed in the system prompt.",
		getContextResource,
		tools.AsSystemTool(),
	)
	if err != nil {
		return tools.ToolDefinition{}, err
	}
	return *def, nil
}
