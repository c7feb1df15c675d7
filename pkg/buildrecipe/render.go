package buildrecipe

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"text/template"

	"verifiedid-verifier/pkg/domain/errors"
)

const dockerfileTemplate = `# syntax=docker/dockerfile:1
{{ with .Builder -}}
FROM {{ .Base }} AS {{ .Name }}
WORKDIR {{ .Workdir }}
{{ if .Manifest -}}
COPY {{ join .Manifest }} ./
{{ end -}}
{{ if .Install -}}
RUN {{ .Install }}
{{ end -}}
COPY . .
RUN {{ .Build }}

{{ end -}}
FROM {{ .Base }}
WORKDIR {{ .Workdir }}
{{ range .Env -}}
ENV {{ .Key }}={{ quote .Value }}
{{ end -}}
{{ if .Manifest -}}
COPY {{ .Manifest }} ./
{{ end -}}
{{ if .Install -}}
RUN {{ .Install }}
{{ end -}}
COPY {{ with .Copy.From }}--from={{ . }} {{ end }}{{ join .Copy.Src }} {{ .Copy.Dest }}
EXPOSE {{ .Expose }}
{{ if .UseEntrypoint }}ENTRYPOINT{{ else }}CMD{{ end }} {{ exec .Entrypoint }}
`

var dockerfile = template.Must(template.New("Dockerfile").Funcs(template.FuncMap{
	"join":  func(s []string) string { return strings.Join(s, " ") },
	"quote": quoteEnv,
	"exec":  execForm,
}).Parse(dockerfileTemplate))

// Render writes the recipe as Dockerfile text. Equal recipes render byte-identical output.
func (r *Recipe) Render(w io.Writer) error {
	if err := r.Validate(); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := dockerfile.Execute(&buf, r); err != nil {
		return errors.New(errors.CodeInternalError, domain, "failed to render Dockerfile", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return errors.New(errors.CodeIoError, domain, "failed to write Dockerfile", err)
	}
	return nil
}

// String renders the recipe, returning "" for an invalid recipe.
func (r *Recipe) String() string {
	var b strings.Builder
	if err := r.Render(&b); err != nil {
		return ""
	}
	return b.String()
}

func quoteEnv(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\"'$\\") {
		return strconv.Quote(v)
	}
	return v
}

// execForm renders args as a JSON array so no shell is involved at runtime.
func execForm(args []string) (string, error) {
	quoted := make([]string, len(args))
	for i, arg := range args {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(arg); err != nil {
			return "", err
		}
		quoted[i] = strings.TrimSuffix(buf.String(), "\n")
	}
	return "[" + strings.Join(quoted, ", ") + "]", nil
}
