// Package render substitutes recipient fields into campaign templates.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/mailproof/mailproof/internal/model"
)

// ErrMissingField is matched by every MissingFieldError
var ErrMissingField = errors.New("missing template field")

// MissingFieldError reports a placeholder the recipient has no value for
type MissingFieldError struct {
	Field string
	Email string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing template field %q for recipient %s", e.Field, e.Email)
}

// Is makes errors.Is(err, ErrMissingField) work
func (e *MissingFieldError) Is(target error) bool {
	return target == ErrMissingField
}

var (
	markerPattern     = regexp.MustCompile(`\{\{([^{}]*)\}\}`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// Renderer renders templates for individual recipients.
// It holds no per-call state and is safe for concurrent use.
type Renderer struct {
	md goldmark.Markdown
}

// New creates a Renderer
func New() *Renderer {
	return &Renderer{md: goldmark.New()}
}

// Render produces the subject and bodies for one recipient
func (r *Renderer) Render(tpl model.Template, rcpt model.Recipient) (model.Content, error) {
	subject, err := substitute(tpl.Subject, rcpt, nil)
	if err != nil {
		return model.Content{}, err
	}

	var content model.Content
	content.Subject = subject

	switch tpl.Format {
	case model.FormatHTML:
		content.HTML, err = substitute(tpl.Body, rcpt, html.EscapeString)
		if err != nil {
			return model.Content{}, err
		}
	case model.FormatMarkdown:
		content.Text, err = substitute(tpl.Body, rcpt, nil)
		if err != nil {
			return model.Content{}, err
		}
		var buf bytes.Buffer
		if err := r.md.Convert([]byte(content.Text), &buf); err != nil {
			return model.Content{}, fmt.Errorf("failed to convert markdown: %w", err)
		}
		content.HTML = buf.String()
	default:
		content.Text, err = substitute(tpl.Body, rcpt, nil)
		if err != nil {
			return model.Content{}, err
		}
	}

	return content, nil
}

// Placeholders lists the distinct valid identifiers referenced by text, in order
func Placeholders(text string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, m := range markerPattern.FindAllStringSubmatch(text, -1) {
		name := m[1]
		if !identifierPattern.MatchString(name) {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// substitute replaces every {{identifier}} marker. Markers whose inner text is
// not an identifier are left exactly as written.
func substitute(text string, rcpt model.Recipient, escape func(string) string) (string, error) {
	var missing *MissingFieldError
	out := markerPattern.ReplaceAllStringFunc(text, func(marker string) string {
		name := marker[2 : len(marker)-2]
		if !identifierPattern.MatchString(name) {
			return marker
		}
		value, ok := lookup(rcpt.Fields, name)
		if !ok {
			if missing == nil {
				missing = &MissingFieldError{Field: name, Email: rcpt.Email}
			}
			return marker
		}
		if escape != nil {
			return escape(value)
		}
		return value
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

func lookup(fields map[string]string, name string) (string, bool) {
	if v, ok := fields[name]; ok {
		return v, true
	}
	v, ok := fields[strings.ToLower(name)]
	return v, ok
}
