// Package render turns events into plain channel content. It is a minimal
// stand-in for richer per-channel templating.
package render

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"unicode"
	"unicode/utf8"

	"github.com/jmehdipour/incident-relay/internal/model"
)

const defaultText = `{{ severity .Magnitude }} {{ .Category | title }} on {{ .Chain }}: {{ money .Magnitude }} lost
{{- with .Description }}

{{ . }}{{ end }}
{{- with .RecoveryStatus }}

Recovery: {{ . }}{{ end }}
{{- with .SourceURL }}

{{ . }}{{ end }}`

var funcs = template.FuncMap{
	"money":    Money,
	"severity": severityTag,
	"title":    titleCase,
}

// Renderer renders every channel from one text template, optionally
// overridden per channel.
type Renderer struct {
	def       *template.Template
	overrides map[string]*template.Template
}

// New parses the default template and any per-channel overrides.
func New(overrides map[string]string) (*Renderer, error) {
	def, err := template.New("default").Funcs(funcs).Parse(defaultText)
	if err != nil {
		return nil, err
	}
	r := &Renderer{def: def, overrides: make(map[string]*template.Template, len(overrides))}
	for ch, text := range overrides {
		t, err := template.New(ch).Funcs(funcs).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("template for %s: %w", ch, err)
		}
		r.overrides[ch] = t
	}
	return r, nil
}

func (r *Renderer) Render(_ context.Context, ev model.Event, channel string) (model.Content, error) {
	t := r.def
	if o, ok := r.overrides[channel]; ok {
		t = o
	}
	var sb strings.Builder
	if err := t.Execute(&sb, ev); err != nil {
		return model.Content{}, fmt.Errorf("render %s: %w", channel, err)
	}
	return model.Content{
		Title: fmt.Sprintf("%s on %s: %s lost", titleCase(ev.Category), ev.Chain, Money(ev.Magnitude)),
		Text:  strings.TrimSpace(sb.String()),
		Link:  ev.SourceURL,
		Extra: map[string]string{"event_id": ev.ID, "chain": ev.Chain, "category": ev.Category},
	}, nil
}

// Money formats a USD amount compactly: $950, $12.5K, $5.0M, $1.20B.
func Money(v float64) string {
	switch {
	case v >= 1e9:
		return fmt.Sprintf("$%.2fB", v/1e9)
	case v >= 1e6:
		return fmt.Sprintf("$%.1fM", v/1e6)
	case v >= 1e3:
		return fmt.Sprintf("$%.1fK", v/1e3)
	default:
		return fmt.Sprintf("$%.0f", v)
	}
}

func severityTag(v float64) string {
	switch {
	case v >= 10e6:
		return "[CRITICAL]"
	case v >= 1e6:
		return "[HIGH]"
	default:
		return "[ALERT]"
	}
}

func titleCase(s string) string {
	words := strings.Fields(strings.ReplaceAll(s, "_", " "))
	for i, w := range words {
		r, n := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[n:]
	}
	return strings.Join(words, " ")
}
