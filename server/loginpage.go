package server

import (
	"html/template"
	"net/http"
	"net/url"

	"datahub/session"
)

type loginProvider struct {
	Name        string
	DisplayName string
	Kind        string
	URL         string
}

type loginView struct {
	Flashes      []session.FlashMessage
	Providers    []loginProvider
	BasicEnabled bool
	Next         string
	DevMode      bool
}

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>ASSAS Data Hub - Sign in</title>
<style>
body { font-family: Arial, sans-serif; margin: 3rem auto; max-width: 480px; color: #1d1d1f; }
h1 { font-size: 1.6rem; margin-bottom: 1.5rem; }
section { margin-bottom: 2rem; }
label { display: block; margin-bottom: 0.35rem; font-weight: 600; }
input[type=text], input[type=password] { width: 100%; padding: 0.5rem; margin-bottom: 1rem; box-sizing: border-box; }
button, .provider { display: block; padding: 0.6rem 1.2rem; font-size: 1rem; cursor: pointer; margin-bottom: 0.75rem; text-align: center; border: 1px solid #d0d0d5; border-radius: 6px; text-decoration: none; color: inherit; }
.flash { padding: 0.75rem 1rem; border-radius: 6px; margin-bottom: 1rem; border: 1px solid #d0d0d5; }
.flash--error { border-color: #d32f2f; background: #fbeaea; }
.flash--warning { border-color: #f9a825; background: #fff8e1; }
.flash--success { border-color: #4caf50; background: #eaf7eb; }
.flash--info { border-color: #1976d2; background: #e7f1fb; }
small { color: #555; }
</style>
</head>
<body>
<h1>Sign in to the ASSAS Data Hub</h1>
{{range .Flashes}}
  <div class="flash flash--{{.Category}}">{{.Message}}</div>
{{end}}
{{if .Providers}}
<section>
  {{range .Providers}}
    <a class="provider provider--{{.Kind}}" href="{{.URL}}">Sign in with {{.DisplayName}}</a>
  {{end}}
</section>
{{end}}
{{if .BasicEnabled}}
<section>
  <form method="post" action="/auth/basic/login">
    <label for="username">Username</label>
    <input id="username" name="username" type="text" autocomplete="username" required />
    <label for="password">Password</label>
    <input id="password" name="password" type="password" autocomplete="current-password" required />
    {{if .Next}}<input type="hidden" name="next" value="{{.Next}}" />{{end}}
    <button type="submit">Sign in with username and password</button>
  </form>
</section>
{{end}}
{{if .DevMode}}<small>Development mode</small>{{end}}
</body>
</html>
`))

func (a *App) renderLogin(w http.ResponseWriter, r *http.Request, status int) {
	msgs, err := a.Sessions.Flashes(r.Context(), r)
	if err != nil {
		a.Logger.Warn("read flash messages failed", "error", err)
	}
	next := safeNext(r.URL.Query().Get("next"))

	view := loginView{
		Flashes:      msgs,
		BasicEnabled: a.Config.Auth.Basic.Enabled,
		Next:         next,
		DevMode:      a.Config.Server.DevMode,
	}
	for _, p := range a.Flow.Providers() {
		link := loginPath + "/" + url.PathEscape(p.Name())
		if next != "" {
			link += "?" + url.Values{"next": {next}}.Encode()
		}
		view.Providers = append(view.Providers, loginProvider{
			Name:        p.Name(),
			DisplayName: p.DisplayName(),
			Kind:        p.Kind(),
			URL:         link,
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := loginTemplate.Execute(w, view); err != nil {
		a.Logger.Error("render login page failed", "error", err)
	}
}
