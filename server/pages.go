package server

import (
	"bytes"
	"encoding/json"
	"html/template"
	"net/http"
)

const layoutTemplate = `{{define "layout"}}<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>SpyNet - {{.Title}}</title>
    <style>
        body { font-family: monospace; max-width: 760px; margin: 50px auto; padding: 20px; background: #111; color: #ddd; }
        .status { padding: 10px; margin: 20px 0; border-radius: 5px; }
        .authenticated { background-color: #163b22; }
        .unauthenticated, .error { background-color: #4a1a1e; }
        .button { display: inline-block; padding: 10px 20px; margin: 10px 5px; background-color: #2a5db0; color: white; text-decoration: none; border-radius: 5px; }
        .logout { background-color: #a3202c; }
        pre { background: #000; padding: 12px; overflow-x: auto; }
    </style>
</head>
<body>
    <h1>SpyNet</h1>
    {{template "content" .}}
</body>
</html>{{end}}`

const homeTemplate = `{{define "content"}}
    {{if .Authenticated}}
    <div class="status authenticated">
        <p><strong>Agent on duty:</strong> {{.Agent}}</p>
        {{if .Roles}}<p>Clearances: {{range $i, $r := .Roles}}{{if $i}}, {{end}}{{$r}}{{end}}</p>{{end}}
    </div>
    <a href="/mission" class="button">Mission dossier</a>
    <a href="/mission/classified" class="button">Nuclear codes</a>
    <a href="/mission/premium" class="button">Premium briefing</a>
    <a href="/logout" class="button logout">Logout</a>
    {{else}}
    <div class="status unauthenticated">
        <p>Identify yourself, agent.</p>
    </div>
    <a href="/login" class="button">Login</a>
    {{end}}
{{end}}`

const missionTemplate = `{{define "content"}}
    <h2>{{.Title}}</h2>
    <p>Agent: <strong>{{.Agent}}</strong></p>
    <pre>{{.Payload}}</pre>
    <a href="/" class="button">Back</a>
    <a href="/logout" class="button logout">Logout</a>
{{end}}`

const errorTemplate = `{{define "content"}}
    <div class="status error">
        <p><strong>{{.Status}}</strong> {{.Message}}</p>
    </div>
    {{if .Relogin}}<a href="/login" class="button">Login again</a>{{end}}
    <a href="/" class="button">Home</a>
{{end}}`

type pages struct {
	home    *template.Template
	mission *template.Template
	errors  *template.Template
}

func newPages() *pages {
	build := func(name, content string) *template.Template {
		t := template.Must(template.New(name).Parse(layoutTemplate))
		return template.Must(t.Parse(content))
	}
	return &pages{
		home:    build("home", homeTemplate),
		mission: build("mission", missionTemplate),
		errors:  build("error", errorTemplate),
	}
}

type homeView struct {
	Title         string
	Authenticated bool
	Agent         string
	Roles         []string
}

type missionView struct {
	Title   string
	Agent   string
	Payload string
}

type errorView struct {
	Title   string
	Status  int
	Message string
	Relogin bool
}

func (p *pages) render(w http.ResponseWriter, status int, t *template.Template, data any) error {
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}

// prettyJSON indents body when it is JSON and returns it unchanged otherwise.
func prettyJSON(body []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		return string(body)
	}
	return buf.String()
}
