package render

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/mailproof/mailproof/internal/model"
)

// Template loading errors
var (
	ErrUnsupportedTemplate = errors.New("unsupported template format")
	ErrEmptyTemplate       = errors.New("template body is empty")
)

// LoadTemplate reads a template body and its attachments from disk.
// The body format follows the file extension: .txt, .md/.markdown, .html/.htm.
func LoadTemplate(path, subject string, attachmentPaths []string) (model.Template, error) {
	format, err := formatFor(path)
	if err != nil {
		return model.Template{}, err
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return model.Template{}, fmt.Errorf("failed to read template: %w", err)
	}
	if strings.TrimSpace(string(body)) == "" {
		return model.Template{}, ErrEmptyTemplate
	}

	tpl := model.Template{
		Subject: subject,
		Body:    strings.TrimPrefix(string(body), "\ufeff"),
		Format:  format,
	}

	for _, p := range attachmentPaths {
		content, err := os.ReadFile(p)
		if err != nil {
			return model.Template{}, fmt.Errorf("failed to read attachment %s: %w", p, err)
		}
		name := filepath.Base(p)
		ctype := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		tpl.Attachments = append(tpl.Attachments, model.Attachment{
			Filename:    name,
			ContentType: ctype,
			Content:     content,
		})
	}

	return tpl, nil
}

func formatFor(path string) (model.BodyFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		return model.FormatText, nil
	case ".md", ".markdown":
		return model.FormatMarkdown, nil
	case ".html", ".htm":
		return model.FormatHTML, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedTemplate, filepath.Ext(path))
	}
}
