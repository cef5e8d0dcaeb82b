package api

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/dgnsrekt/tabstream/internal/relay"
)

// docsPage frames the OpenAPI reference with the two endpoints it cannot
// describe: the streamer WebSocket and the SSE event feeds.
var docsPage = template.Must(template.New("docs").Parse(`<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>tabsink</title>
  <link href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
  <style>
    body { margin: 0; display: flex; flex-direction: column; height: 100vh; background: #0d1117; }
    header { padding: 10px 16px; border-bottom: 1px solid #30363d; color: #c9d1d9;
             font: 13px -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; }
    header code { color: #79c0ff; }
    header a { color: #58a6ff; margin-right: 10px; text-decoration: none; }
    main { flex: 1; min-height: 0; }
  </style>
</head>
<body>
  <header>
    <div>Streamers connect to <code>ws://{{.Host}}/</code> and send one JSON snapshot per text frame. An empty binary frame from the listener asks for a resend.</div>
    {{if .Feeds}}<div>Live feeds (SSE):
      <a href="/api/v1/events">all</a>
      {{range .Feeds}}<a href="/api/v1/events?feeds={{.}}">{{.}}</a>{{end}}
    </div>{{end}}
  </header>
  <main>
    <elements-api apiDescriptionUrl="/openapi.json" router="hash" layout="sidebar" tryItCredentialsPolicy="same-origin" />
  </main>
</body>
</html>`))

type docsData struct {
	Host  string
	Feeds []string
}

func docsHandler(withFeeds bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := docsData{Host: r.Host}
		if withFeeds {
			data.Feeds = []string{relay.FeedSnapshot, relay.FeedPeerConnect, relay.FeedPeerDisconnect, relay.FeedResync}
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := docsPage.Execute(w, data); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	}
}
