package web

import (
	"embed"
	"html/template"
)

//go:embed templates/*.html
var templateFiles embed.FS

// loadTemplates parses the page templates. Panics on syntax errors so
// that startup fails fast.
func loadTemplates() *template.Template {
	return template.Must(template.ParseFS(templateFiles, "templates/*.html"))
}

// pageData is the context for oauth.html.
type pageData struct {
	Heading string
	Message string
}
