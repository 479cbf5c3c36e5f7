package render_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mailproof/mailproof/internal/model"
	"github.com/mailproof/mailproof/internal/render"
)

func TestRender_SubstitutesPlaceholders(t *testing.T) {
	t.Parallel()

	r := render.New()
	out, err := r.Render(model.Template{
		Subject: "Olá {{nome}}",
		Body:    "Caro {{nome}}, seu código é {{codigo}}.",
		Format:  model.FormatText,
	}, model.Recipient{
		Email:  "joao@example.com",
		Fields: map[string]string{"nome": "João", "codigo": "42"},
	})

	require.NoError(t, err)
	require.Equal(t, "Olá João", out.Subject)
	require.Equal(t, "Caro João, seu código é 42.", out.Text)
	require.Empty(t, out.HTML)
}

func TestRender_InvalidMarkersPassThrough(t *testing.T) {
	t.Parallel()

	r := render.New()
	out, err := r.Render(model.Template{
		Body:   "{{nome}} / {{Nome Completo}} / {{é}} / {{ }} / {{a-b}}",
		Format: model.FormatText,
	}, model.Recipient{
		Email:  "joao@example.com",
		Fields: map[string]string{"nome": "João", "nome completo": "João Silva", "é": "x"},
	})

	require.NoError(t, err)
	require.Equal(t, "João / {{Nome Completo}} / {{é}} / {{ }} / {{a-b}}", out.Text)
}

func TestRender_CaseInsensitiveFallback(t *testing.T) {
	t.Parallel()

	r := render.New()
	out, err := r.Render(model.Template{Body: "{{NOME}} {{Nome}}", Format: model.FormatText},
		model.Recipient{Email: "a@example.com", Fields: map[string]string{"nome": "Ana"}})

	require.NoError(t, err)
	require.Equal(t, "Ana Ana", out.Text)
}

func TestRender_MissingField(t *testing.T) {
	t.Parallel()

	r := render.New()
	_, err := r.Render(model.Template{Body: "Hi {{nome}}, {{cidade}}", Format: model.FormatText},
		model.Recipient{Email: "a@example.com", Fields: map[string]string{"nome": "Ana"}})

	require.ErrorIs(t, err, render.ErrMissingField)

	var mf *render.MissingFieldError
	require.ErrorAs(t, err, &mf)
	require.Equal(t, "cidade", mf.Field)
	require.Equal(t, "a@example.com", mf.Email)
}

func TestRender_MissingFieldInSubject(t *testing.T) {
	t.Parallel()

	r := render.New()
	_, err := r.Render(model.Template{Subject: "{{titulo}}", Body: "ok", Format: model.FormatText},
		model.Recipient{Email: "a@example.com"})

	require.ErrorIs(t, err, render.ErrMissingField)
}

func TestRender_Markdown(t *testing.T) {
	t.Parallel()

	r := render.New()
	out, err := r.Render(model.Template{Body: "Hello **{{name}}**", Format: model.FormatMarkdown},
		model.Recipient{Email: "a@example.com", Fields: map[string]string{"name": "Ana"}})

	require.NoError(t, err)
	require.Equal(t, "Hello **Ana**", out.Text)
	require.Contains(t, out.HTML, "<strong>Ana</strong>")
}

func TestRender_HTMLEscapesValues(t *testing.T) {
	t.Parallel()

	r := render.New()
	out, err := r.Render(model.Template{Body: "<p>{{name}}</p>", Format: model.FormatHTML},
		model.Recipient{Email: "a@example.com", Fields: map[string]string{"name": "<b>Ana</b>"}})

	require.NoError(t, err)
	require.Equal(t, "<p>&lt;b&gt;Ana&lt;/b&gt;</p>", out.HTML)
}

func TestRender_ConcurrentUse(t *testing.T) {
	t.Parallel()

	r := render.New()
	tpl := model.Template{Body: "Hi {{n}}", Format: model.FormatText}

	var wg sync.WaitGroup
	results := make([]string, 50)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := r.Render(tpl, model.Recipient{Fields: map[string]string{"n": string(rune('a' + i%26))}})
			if err == nil {
				results[i] = out.Text
			}
		}(i)
	}
	wg.Wait()

	for i, got := range results {
		require.Equal(t, "Hi "+string(rune('a'+i%26)), got)
	}
}

func TestPlaceholders(t *testing.T) {
	t.Parallel()

	names := render.Placeholders("{{a}} {{b}} {{a}} {{not valid}} {{c_1}}")
	require.Equal(t, []string{"a", "b", "c_1"}, names)
}

func TestLoadTemplate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	body := filepath.Join(dir, "body.md")
	att := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(body, []byte("Hi {{nome}}"), 0o600))
	require.NoError(t, os.WriteFile(att, []byte("%PDF-1.4"), 0o600))

	tpl, err := render.LoadTemplate(body, "Subject", []string{att})
	require.NoError(t, err)
	require.Equal(t, model.FormatMarkdown, tpl.Format)
	require.Equal(t, "Hi {{nome}}", tpl.Body)
	require.Len(t, tpl.Attachments, 1)
	require.Equal(t, "report.pdf", tpl.Attachments[0].Filename)
	require.Equal(t, "application/pdf", tpl.Attachments[0].ContentType)

	_, err = render.LoadTemplate(filepath.Join(dir, "body.docx"), "s", nil)
	require.ErrorIs(t, err, render.ErrUnsupportedTemplate)

	empty := filepath.Join(dir, "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o600))
	_, err = render.LoadTemplate(empty, "s", nil)
	require.ErrorIs(t, err, render.ErrEmptyTemplate)
}
