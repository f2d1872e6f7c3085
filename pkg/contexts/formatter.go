package contexts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
)

// ResourceTypeHTML marks resources whose data is an HTML fragment.
const ResourceTypeHTML = "html"

const defaultTemplate = `{{- range $i, $r := .Injected -}}
{{- if $i }}

{{ end -}}
## {{ $r.Name | trim }}
{{- with $r.Description }}
_{{ . | trim }}_
{{- end }}

{{ $r.Text | trim }}
{{- end -}}
{{- if .OnDemand }}

## Additional resources
The following resources can be fetched with the get_context_resource tool:
{{- range .OnDemand }}
- {{ .ID }}: {{ .Name | trim }}{{ with .Description }} ({{ . | trim }}){{ end }}
{{- end }}
{{- end -}}
`

type resourceView struct {
	ID          string
	Name        string
	Description string
	Text        string
}

// Formatter renders a resolved context into system prompt text.
type Formatter struct {
	tmpl *template.Template
}

func NewFormatter() *Formatter {
	f, err := NewFormatterFromTemplate(defaultTemplate)
	if err != nil {
		panic(err)
	}
	return f
}

// NewFormatterFromTemplate parses a custom template. The template receives
// .Injected and .OnDemand lists with ID, Name, Description and Text fields,
// and has the sprig function map available.
func NewFormatterFromTemplate(text string) (*Formatter, error) {
	t, err := template.New("context").Funcs(sprig.TxtFuncMap()).Parse(text)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse context template")
	}
	return &Formatter{tmpl: t}, nil
}

func (f *Formatter) Format(rc *ResolvedContext) (string, error) {
	if rc.IsEmpty() {
		return "", nil
	}
	data := struct {
		Injected []resourceView
		OnDemand []resourceView
	}{}
	for _, r := range rc.InjectedResources {
		v, err := viewOf(r)
		if err != nil {
			return "", err
		}
		data.Injected = append(data.Injected, v)
	}
	for _, r := range rc.OnDemandResources {
		data.OnDemand = append(data.OnDemand, resourceView{ID: r.ID, Name: r.Name, Description: r.Description})
	}
	if len(data.Injected) == 0 && len(data.OnDemand) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	if err := f.tmpl.Execute(&buf, data); err != nil {
		return "", errors.Wrap(err, "could not render context")
	}
	return strings.TrimSpace(buf.String()), nil
}

func viewOf(r Resource) (resourceView, error) {
	text, err := ResourceText(r)
	if err != nil {
		return resourceView{}, err
	}
	return resourceView{ID: r.ID, Name: r.Name, Description: r.Description, Text: text}, nil
}

// ResourceText renders resource data as plain text. Strings are used as is
// (HTML is reduced to its text), anything else is indented JSON.
func ResourceText(r Resource) (string, error) {
	switch d := r.Data.(type) {
	case nil:
		return "", nil
	case string:
		if r.ResourceTypeID == ResourceTypeHTML {
			return htmlText(d)
		}
		return d, nil
	case fmt.Stringer:
		return d.String(), nil
	default:
		b, err := json.MarshalIndent(d, "", "  ")
		if err != nil {
			return "", errors.Wrapf(err, "could not render resource %q", r.ID)
		}
		return string(b), nil
	}
}

func htmlText(s string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return "", errors.Wrap(err, "could not parse html resource")
	}
	doc.Find("script,style").Remove()
	var parts []string
	addLines := func(text string) {
		for _, line := range strings.Split(text, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				parts = append(parts, line)
			}
		}
	}
	// one line per top-level block
	doc.Find("body").Contents().Each(func(_ int, s *goquery.Selection) {
		addLines(s.Text())
	})
	if len(parts) == 0 {
		addLines(doc.Text())
	}
	return strings.Join(parts, "\n"), nil
}

type ctxKey int

const ctxKeyResolved ctxKey = iota

// WithResolved attaches the run's resolved context.
func WithResolved(ctx context.Context, rc *ResolvedContext) context.Context {
	return context.WithValue(ctx, ctxKeyResolved, rc)
}

func ResolvedFromContext(ctx context.Context) (*ResolvedContext, bool) {
	rc, ok := ctx.Value(ctxKeyResolved).(*ResolvedContext)
	return rc, ok && rc != nil
}
