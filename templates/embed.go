// Package templates holds the HTML pages served by the device server.
package templates

import (
	"embed"
	"html/template"
	"strings"
)

//go:embed *.html
var FS embed.FS

var funcs = template.FuncMap{
	"lower": strings.ToLower,
}

// LoadTemplates parses every page from the embedded filesystem.
func LoadTemplates() (*template.Template, error) {
	return template.New("").Funcs(funcs).ParseFS(FS, "*.html")
}
