package contexts

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatter_DefaultTemplate(t *testing.T) {
	s, err := NewYAMLFileStore(filepath.Join("testdata", "contexts.yaml"))
	require.NoError(t, err)

	r := NewResolver(s, WithLevelResolvers(NewPromptResolver()))
	rc, err := r.Resolve(context.Background(), Request{Items: []Item{{Key: KeyPromptContextIDs, Value: "brand,homepage"}}})
	require.NoError(t, err)

	out, err := NewFormatter().Format(rc)
	require.NoError(t, err)
	require.Equal(t, "## Tone of voice\n_How we sound_\n\nFriendly, concise, no jargon.\n\n"+
		"## Homepage copy\n\nWelcome\nWe build tools.\n\n"+
		"## Additional resources\n"+
		"The following resources can be fetched with the get_context_resource tool:\n"+
		"- glossary: Glossary", out)
}

func TestFormatter_EmptyContextRendersNothing(t *testing.T) {
	out, err := NewFormatter().Format(&ResolvedContext{})
	require.NoError(t, err)
	require.Empty(t, out)

	out, err = NewFormatter().Format(nil)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestFormatter_CustomTemplateWithSprig(t *testing.T) {
	f, err := NewFormatterFromTemplate(`{{ range .Injected }}{{ .Name | upper }}={{ .Text }};{{ end }}`)
	require.NoError(t, err)

	out, err := f.Format(&ResolvedContext{
		AllResources:      []Resource{{ID: "a", Name: "rules", Data: map[string]interface{}{"k": 1}, InjectionMode: InjectionModeAlways}},
		InjectedResources: []Resource{{ID: "a", Name: "rules", Data: map[string]interface{}{"k": 1}, InjectionMode: InjectionModeAlways}},
	})
	require.NoError(t, err)
	require.Equal(t, "RULES={\n  \"k\": 1\n};", out)
}
