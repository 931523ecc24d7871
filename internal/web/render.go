package web

import (
	"bytes"
	"embed"
	"html/template"
	"io"
	"sync"
	"time"

	"github.com/matst80/showoff-agent/internal/obs"
)

//go:embed templates/*.html
var tmplFS embed.FS

var (
	once sync.Once
	tmpl *template.Template
)

func load() {
	tmpl = template.Must(template.New("web").ParseFS(tmplFS, "templates/*.html"))
}

// Render writes the named template (which can rely on header and footer) to
// w with data enriched by Now. Unknown names fall back to the base page.
func Render(w io.Writer, name string, data map[string]any) error {
	once.Do(load)
	if data == nil {
		data = map[string]any{}
	}
	data["Now"] = time.Now().Format(time.RFC822)
	if tmpl.Lookup(name) == nil {
		obs.Error("web.template.missing", obs.Fields{"name": name})
		return tmpl.ExecuteTemplate(w, "base", data)
	}
	return tmpl.ExecuteTemplate(w, name, data)
}

// Page renders name into a buffer.
func Page(name string, data map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if err := Render(&buf, name, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
