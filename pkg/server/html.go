// SPDX-License-Identifier: Apache-2.0

package server

import (
	"crypto/rand"
	"encoding/base64"
	"html/template"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/Volcar144/WayGate-sub000/pkg/flow"
	"github.com/Volcar144/WayGate-sub000/pkg/logger"
	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

const basePage = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body{font-family:system-ui,sans-serif;max-width:26rem;margin:4rem auto;padding:0 1rem;color:#1a1a2e}
h1{font-size:1.3rem}
input,button{font-size:1rem;padding:.5rem;width:100%;box-sizing:border-box;margin-top:.4rem}
button{background:#2b4fd8;color:#fff;border:0;border-radius:4px;cursor:pointer}
a.sso{display:block;text-align:center;border:1px solid #ccc;border-radius:4px;padding:.5rem;margin-top:.4rem;text-decoration:none;color:inherit}
p.err{color:#b00020}
</style>
</head>
<body>
{{template "body" .}}
</body>
</html>`

var pageTemplates = map[string]*template.Template{
	"login": mustPage(`{{define "body"}}
<h1>Sign in to {{.TenantName}}</h1>
<form method="post" action="magic/request">
<input type="hidden" name="rid" value="{{.Rid}}">
<label for="email">Email</label>
<input id="email" name="email" type="email" required autofocus>
<button type="submit">Email me a sign-in link</button>
</form>
{{range .Providers}}<a class="sso" href="{{.Href}}">Continue with {{.Label}}</a>
{{end}}
<script nonce="{{.Nonce}}">
(function(){
  var es=new EventSource("sse?rid={{.Rid}}");
  es.addEventListener("loginComplete",function(ev){
    var d=JSON.parse(ev.data);
    if(d.handoff){sessionStorage.setItem("waygate_handoff",d.handoff);}
    window.location=d.redirect;
  });
  es.addEventListener("consentRequired",function(){
    document.getElementById("consent").hidden=false;
  });
})();
</script>
<div id="consent" hidden>
<p>The application is asking for access to your account.</p>
<form method="post" action="consent">
<input type="hidden" name="rid" value="{{.Rid}}">
<button type="submit">Allow</button>
</form>
<form method="post" action="consent">
<input type="hidden" name="rid" value="{{.Rid}}">
<input type="hidden" name="deny" value="1">
<button type="submit">Deny</button>
</form>
</div>
{{end}}`),

	"sent": mustPage(`{{define "body"}}
<h1>Check your email</h1>
<p>We sent a sign-in link to your address. Open it on any device to continue.</p>
{{if .DebugLink}}<p><a href="{{.DebugLink}}">Development sign-in link</a></p>{{end}}
{{end}}`),

	"done": mustPage(`{{define "body"}}
<h1>You're signed in</h1>
<p>Return to your original device to continue. You can close this tab.</p>
{{end}}`),

	"prompt": mustPage(`{{define "body"}}
<h1>{{.PromptTitle}}</h1>
{{if .PromptText}}<p>{{.PromptText}}</p>{{end}}
{{if .Error}}<p class="err">{{.Error}}</p>{{end}}
<form method="post" action="{{.Action}}">
<input type="hidden" name="resume" value="{{.Resume}}">
{{range .Fields}}
<label for="f-{{.}}">{{.}}</label>
<input id="f-{{.}}" name="{{.}}">
{{end}}
<button type="submit">Continue</button>
</form>
{{end}}`),

	"error": mustPage(`{{define "body"}}
<h1>Something went wrong</h1>
<p class="err">{{.Message}}</p>
{{end}}`),
}

func mustPage(body string) *template.Template {
	return template.Must(template.Must(template.New("page").Parse(basePage)).Parse(body))
}

type pageData struct {
	Title      string
	TenantName string
	Rid        string
	Nonce      string
	Providers  []ssoLink
	DebugLink  string

	PromptTitle string
	PromptText  string
	Error       string
	Action      string
	Resume      string
	Fields      []string

	Message string
}

type ssoLink struct {
	Label string
	Href  string
}

func renderPage(w http.ResponseWriter, name string, data pageData) {
	if data.Title == "" {
		data.Title = "WayGate"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if data.Nonce != "" {
		w.Header().Set("Content-Security-Policy",
			"default-src 'none'; style-src 'unsafe-inline'; script-src 'nonce-"+data.Nonce+"'; connect-src 'self'; form-action 'self'")
	}
	if err := pageTemplates[name].ExecuteTemplate(w, "page", data); err != nil {
		logger.Warnw("rendering page", "page", name, "error", err)
	}
}

func renderErrorPage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	renderPage(w, "error", pageData{Message: message})
}

func cspNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("csp nonce: " + err.Error())
	}
	return base64.RawStdEncoding.EncodeToString(b)
}

// renderPrompt turns an interrupted flow result into the generic
// challenge form. Field names come from the prompt schema's properties;
// captcha and MFA prompts fall back to their single well-known field.
func renderPrompt(w http.ResponseWriter, tenant *storage.Tenant, action string, p *flow.PromptDescriptor) {
	data := pageData{
		Title:       "Verify it's you",
		TenantName:  tenant.Name,
		PromptTitle: p.Title,
		PromptText:  p.Description,
		Error:       p.Error,
		Action:      action,
		Resume:      p.ResumeToken,
	}
	if data.PromptTitle == "" {
		data.PromptTitle = "One more step"
	}

	switch p.Kind {
	case flow.PromptCaptcha:
		data.Fields = []string{flow.CaptchaTokenField}
	case flow.PromptMFA:
		field := "code"
		if f, ok := p.Meta["field"].(string); ok && f != "" {
			field = f
		}
		data.Fields = []string{field}
	default:
		gjson.GetBytes(p.Schema, "properties").ForEach(func(key, _ gjson.Result) bool {
			data.Fields = append(data.Fields, key.String())
			return true
		})
	}
	renderPage(w, "prompt", data)
}
