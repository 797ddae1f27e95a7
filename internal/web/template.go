package web

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"deref": func(s *string) string {
		if s == nil {
			return "never"
		}
		return *s
	},
	"isTrue": func(b *bool) bool {
		return b != nil && *b
	},
	"join": func(ss []string) string {
		if len(ss) == 0 {
			return "all"
		}
		return strings.Join(ss, ", ")
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="30">
<title>Garbage Truck Notifier</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.nearby { color: green; font-weight: bold; }
.idle { color: #888; }
.error { color: red; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Garbage Truck Notifier</h1>

<h2>State</h2>
<table>
<tr><th>Status</th><td id="state" class="{{.Response.Status}}">{{.Response.Status}}</td></tr>
<tr><th>Reason</th><td>{{.Response.Reason}}</td></tr>
<tr><th>Updated</th><td>{{deref .Response.Timestamp}}</td></tr>
{{if .Response.Error}}<tr><th>Error</th><td class="error">{{.Response.Error}}</td></tr>{{end}}
</table>

{{with .Response.Truck}}
<h2>Truck</h2>
<table>
<tr><th>Route</th><td>{{.LineName}} ({{.LineID}})</td></tr>
<tr><th>Vehicle</th><td>{{.CarNo}}</td></tr>
<tr><th>Current stop</th><td>rank {{.ArrivalRank}}{{if .Location}} at {{.Location}}{{end}}</td></tr>
<tr><th>Delay</th><td>{{.Diff}} min</td></tr>
{{with .Enter}}<tr><th>Enter point</th><td>{{.Name}} (rank {{.Rank}}, {{if .Passed}}passed {{.Arrival}}{{else}}due {{.PointTime}}{{end}})</td></tr>{{end}}
{{with .Exit}}<tr><th>Exit point</th><td>{{.Name}} (rank {{.Rank}}, {{if .Passed}}passed {{.Arrival}}{{else}}due {{.PointTime}}{{end}})</td></tr>{{end}}
</table>
{{end}}

<h2>Tracking</h2>
<table>
<tr><th>Window</th><td>{{.Info.EnterPoint}} &rarr; {{.Info.ExitPoint}}</td></tr>
<tr><th>Routes</th><td>{{join .Info.Routes}}</td></tr>
<tr><th>Strategy</th><td>{{.Info.Strategy}}</td></tr>
<tr><th>Poll</th><td>{{.Info.PollInterval}}</td></tr>
{{if .MQTTConnected}}<tr><th>MQTT</th><td class="{{if isTrue .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if isTrue .MQTTConnected}}connected{{else}}disconnected{{end}} ({{.Info.Broker}})</td></tr>{{end}}
</table>

<h2>Transitions</h2>
<table>
<tr><th>Nearby</th><td>{{.Counts.Nearby}}</td></tr>
<tr><th>Idle</th><td>{{.Counts.Idle}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> &middot; <a href="/api/status">Query now</a></p>
</body>
</html>
`

func renderHTML(p pageData) ([]byte, error) {
	var buf bytes.Buffer
	if err := indexTmpl.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("render index: %w", err)
	}
	return buf.Bytes(), nil
}
