package bridge

import (
	"bytes"
	"html/template"
	"net/http"
)

// The browser-facing pages are small server-rendered templates. They are
// parsed once at startup; render failures fall back to a plain 500.

const pageStyle = `
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            background: linear-gradient(135deg, #1a1a2e 0%, #16213e 50%, #0f3460 100%);
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #fff;
        }
        .container {
            text-align: center;
            padding: 2rem;
            max-width: 480px;
        }
        h1 { font-size: 1.5rem; margin-bottom: 1rem; }
        p { color: #b8b8d0; margin-bottom: 1rem; }
        .scope {
            display: inline-block;
            background: rgba(255, 255, 255, 0.08);
            border-radius: 6px;
            padding: 0.5rem 1rem;
            margin-bottom: 1.5rem;
            font-family: monospace;
        }
        input[type="url"] {
            width: 100%;
            padding: 0.6rem;
            border-radius: 6px;
            border: 1px solid #3a3a5e;
            background: rgba(255, 255, 255, 0.05);
            color: #fff;
            margin-bottom: 1rem;
        }
        button, .button {
            display: inline-block;
            background: #00d26a;
            color: #0f3460;
            font-weight: 600;
            border: none;
            border-radius: 6px;
            padding: 0.6rem 1.5rem;
            cursor: pointer;
            text-decoration: none;
        }
        .secondary { background: transparent; color: #b8b8d0; }`

const loginPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Nightscout Bridge — Sign in</title>
    <style>` + pageStyle + `</style>
</head>
<body>
    <div class="container">
        <h1>Sign in</h1>
        <p>Sign in with your Google account to link your Nightscout site.</p>
        <div id="g_id_onload"
             data-client_id="{{.GoogleClientID}}"
             data-login_uri="{{.LoginURI}}"
             data-auto_prompt="false"></div>
        <div class="g_id_signin" data-type="standard"></div>
        <script src="https://accounts.google.com/gsi/client" async defer></script>
    </div>
</body>
</html>`

const consentPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Nightscout Bridge — Authorize {{.ClientName}}</title>
    <style>` + pageStyle + `</style>
</head>
<body>
    <div class="container">
        <h1>Authorize {{.ClientName}}</h1>
        <p>{{.ClientName}} is asking for access to:</p>
        <div class="scope">{{.Scope}}</div>
        <form method="POST" action="/oauth/auth">
            <button type="submit">Allow</button>
            <a class="button secondary" href="/logout">Cancel</a>
        </form>
    </div>
</body>
</html>`

const accountPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Nightscout Bridge — Your account</title>
    <style>` + pageStyle + `</style>
</head>
<body>
    <div class="container">
        <h1>Your Nightscout site</h1>
        <p>Signed in as {{.Email}}</p>
        {{if .Updated}}<p>Saved.</p>{{end}}
        <form method="POST" action="/private/update">
            <input type="url" name="nightscout_uri" value="{{.NightscoutURI}}"
                   placeholder="https://my-site.nightscout.example" required>
            <button type="submit">Save</button>
        </form>
        <p><a class="button secondary" href="/logout">Sign out</a></p>
    </div>
</body>
</html>`

var (
	loginPage   = template.Must(template.New("login").Parse(loginPageTemplate))
	consentPage = template.Must(template.New("consent").Parse(consentPageTemplate))
	accountPage = template.Must(template.New("account").Parse(accountPageTemplate))
)

type loginPageData struct {
	GoogleClientID string
	LoginURI       string
}

type consentPageData struct {
	ClientName string
	Scope      string
}

type accountPageData struct {
	Email         string
	NightscoutURI string
	Updated       bool
}

// renderPage executes the template into a buffer first so a render failure
// never produces a half-written page. Callers set security headers before
// rendering; the login page needs a wider CSP than the rest.
func (h *Handler) renderPage(w http.ResponseWriter, tmpl *template.Template, data any) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		h.logger.Error("Failed to render page", "template", tmpl.Name(), "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}
