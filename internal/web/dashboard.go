package web

import (
	"html/template"
	"log/slog"
	"net/http"
	"time"
)

// The dashboard is a single self-refreshing page rendered server-side. No
// assets, no javascript beyond the meta refresh.
var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="30">
<title>matchbot status</title>
<style>
body { font-family: monospace; background: #111; color: #ddd; margin: 2rem; }
h1 { font-size: 1.2rem; }
table { border-collapse: collapse; margin: 1rem 0; }
td, th { border: 1px solid #444; padding: 0.3rem 0.8rem; text-align: left; }
.ok { color: #7c7; }
.bad { color: #e66; }
</style>
</head>
<body>
<h1>matchbot supervisor</h1>
<table>
<tr><th>Bot session</th><td class="{{if .BotRunning}}ok{{else}}bad{{end}}">{{if .BotRunning}}running{{else}}down{{end}}</td></tr>
<tr><th>Uptime</th><td>{{.Uptime}}</td></tr>
<tr><th>Database</th><td class="{{if .DBConnected}}ok{{else}}bad{{end}}">{{if .DBConnected}}connected{{else}}disconnected{{end}}</td></tr>
{{if .LastDBError}}<tr><th>Last DB error</th><td class="bad">{{.LastDBError}}</td></tr>{{end}}
<tr><th>Restarts</th><td>{{.RestartCount}}</td></tr>
{{if .LastSessionError}}<tr><th>Last session error</th><td>{{.LastSessionError}}</td></tr>{{end}}
<tr><th>Requests</th><td>{{.Requests}} ({{.Errors}} errors)</td></tr>
<tr><th>Instance</th><td>{{.InstanceID}}</td></tr>
</table>
<h1>workers</h1>
<table>
<tr><th>#</th><th>role</th><th>alive</th><th>last heartbeat</th></tr>
{{range .Workers}}
<tr><td>{{.Index}}</td><td>{{.Role}}</td><td class="{{if .Alive}}ok{{else}}bad{{end}}">{{if .Alive}}yes{{else}}no{{end}}</td><td>{{.LastHeartbeat.Format "15:04:05"}}</td></tr>
{{end}}
</table>
<h1>recent logs</h1>
<table>
<tr><th>time</th><th>level</th><th>message</th></tr>
{{range .Logs}}
<tr><td>{{.Timestamp.Format "15:04:05"}}</td><td>{{.Level}}</td><td>{{.Message}}</td></tr>
{{end}}
</table>
</body>
</html>
`))

type dashboardData struct {
	BotRunning       bool
	Uptime           time.Duration
	DBConnected      bool
	LastDBError      string
	RestartCount     int
	LastSessionError string
	Requests         int64
	Errors           int64
	InstanceID       string
	Workers          []workerRow
	Logs             []logRow
}

type workerRow struct {
	Index         int
	Role          string
	Alive         bool
	LastHeartbeat time.Time
}

type logRow struct {
	Timestamp time.Time
	Level     string
	Message   string
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Get()
	data := dashboardData{
		BotRunning:       snap.BotRunning,
		Uptime:           time.Duration(s.state.UptimeSeconds()) * time.Second,
		DBConnected:      snap.DBConnected,
		LastDBError:      snap.LastDBError,
		RestartCount:     snap.RestartCount,
		LastSessionError: snap.LastSessionError,
		Requests:         s.state.RequestsTotal(),
		Errors:           s.state.ErrorsTotal(),
		InstanceID:       s.state.InstanceID(),
	}
	for _, wk := range snap.Workers {
		data.Workers = append(data.Workers, workerRow(wk))
	}
	for _, rec := range s.ring.Tail(20, slog.LevelInfo) {
		data.Logs = append(data.Logs, logRow{
			Timestamp: rec.Timestamp,
			Level:     rec.Level,
			Message:   rec.Message,
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		s.logger.Error("dashboard render failed", "error", err)
	}
}
