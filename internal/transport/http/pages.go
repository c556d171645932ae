// Copyright 2026 The OneIDP Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"html/template"
	"net/http"
)

// The browser-facing pages are deliberately self-contained: inline
// styles, no asset pipeline, no external scripts.

type authorizePageData struct {
	ClientName       string
	Scope            []string
	VerificationCode string
	ExpiresInSeconds int
	CommandPrefix    string
}

type resultPageData struct {
	Title   string
	Message string
	Ok      bool
}

var authorizeTemplate = template.Must(template.New("authorize").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize {{.ClientName}}</title>
<style>
  body { font-family: system-ui, sans-serif; background: #f4f5f7; margin: 0; }
  .card { max-width: 26rem; margin: 10vh auto; background: #fff; border-radius: 8px;
          box-shadow: 0 1px 4px rgba(0,0,0,.15); padding: 2rem; text-align: center; }
  .code { font-size: 2.4rem; letter-spacing: .4rem; font-family: monospace;
          background: #eef1f5; border-radius: 6px; padding: .6rem 0; margin: 1.2rem 0; }
  .scopes { color: #555; font-size: .9rem; }
  .hint { color: #888; font-size: .85rem; margin-top: 1.4rem; }
  #status { margin-top: 1rem; color: #666; }
</style>
</head>
<body>
<div class="card">
  <h2>{{.ClientName}} requests access</h2>
  {{if .Scope}}<p class="scopes">Scopes: {{range .Scope}}<code>{{.}}</code> {{end}}</p>{{end}}
  <p>Send this code to the bot to approve:</p>
  <div class="code" id="code">{{.VerificationCode}}</div>
  <p class="hint">In chat, type: <code>{{.CommandPrefix}} auth {{.VerificationCode}}</code></p>
  <p id="status">Waiting for approval&hellip;</p>
</div>
<script>
(function () {
  var code = {{.VerificationCode}};
  var deadline = Date.now() + {{.ExpiresInSeconds}} * 1000;
  var status = document.getElementById("status");
  var timer = setInterval(function () {
    if (Date.now() > deadline) {
      clearInterval(timer);
      status.textContent = "This code has expired. Close the page and retry.";
      return;
    }
    fetch("/authorize/check?verification_code=" + encodeURIComponent(code))
      .then(function (resp) {
        if (resp.status === 404 || resp.status === 410) {
          clearInterval(timer);
          status.textContent = "This code is no longer valid.";
          return null;
        }
        return resp.json();
      })
      .then(function (body) {
        if (body && body.approved && body.redirect_uri) {
          clearInterval(timer);
          status.textContent = "Approved, redirecting…";
          window.location.href = body.redirect_uri;
        }
      })
      .catch(function () { /* transient; keep polling */ });
  }, 2000);
})();
</script>
</body>
</html>
`))

var resultTemplate = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
  body { font-family: system-ui, sans-serif; background: #f4f5f7; margin: 0; }
  .card { max-width: 26rem; margin: 10vh auto; background: #fff; border-radius: 8px;
          box-shadow: 0 1px 4px rgba(0,0,0,.15); padding: 2rem; text-align: center; }
  h2.ok { color: #2e7d32; }
  h2.err { color: #c62828; }
  p { color: #555; }
</style>
</head>
<body>
<div class="card">
  <h2 class="{{if .Ok}}ok{{else}}err{{end}}">{{.Title}}</h2>
  <p>{{.Message}}</p>
</div>
</body>
</html>
`))

func renderAuthorizePage(w http.ResponseWriter, data authorizePageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = authorizeTemplate.Execute(w, data)
}

func renderPage(w http.ResponseWriter, status int, data resultPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = resultTemplate.Execute(w, data)
}
