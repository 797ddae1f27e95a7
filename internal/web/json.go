package web

import (
	"encoding/json"
	"time"

	"github.com/sweeney/truck-notifier/internal/status"
)

type pageData struct {
	status.Snapshot
	Response      status.Response
	Now           time.Time
	Uptime        time.Duration
	Info          Info
	MQTTConnected *bool
}

// StatusJSON is the JSON representation of the daemon status.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Tracker       status.Response `json:"tracker"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	StartTime     string          `json:"start_time"`
	Timestamp     string          `json:"timestamp"`
	Counts        CountsJSON      `json:"transition_counts"`
	MQTT          *MQTTStatus     `json:"mqtt,omitempty"`
	Config        ConfigJSON      `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of transition counts.
type CountsJSON struct {
	Nearby int `json:"nearby"`
	Idle   int `json:"idle"`
}

// ConfigJSON is the JSON representation of the tracking configuration.
type ConfigJSON struct {
	EnterPoint string   `json:"enter_point"`
	ExitPoint  string   `json:"exit_point"`
	Routes     []string `json:"routes"`
	Strategy   string   `json:"strategy"`
	PollMs     int64    `json:"poll_ms"`
	HTTPAddr   string   `json:"http_addr"`
}

func formatJSON(p pageData) []byte {
	routes := p.Info.Routes
	if routes == nil {
		routes = []string{}
	}
	sj := StatusJSON{
		Status: StatusInner{
			Tracker:       p.Response,
			UptimeSeconds: int64(p.Uptime.Truncate(time.Second).Seconds()),
			StartTime:     p.StartTime.UTC().Format(time.RFC3339),
			Timestamp:     p.Now.UTC().Format(time.RFC3339),
			Counts:        CountsJSON{Nearby: p.Counts.Nearby, Idle: p.Counts.Idle},
			Config: ConfigJSON{
				EnterPoint: p.Info.EnterPoint,
				ExitPoint:  p.Info.ExitPoint,
				Routes:     routes,
				Strategy:   p.Info.Strategy,
				PollMs:     p.Info.PollInterval.Milliseconds(),
				HTTPAddr:   p.Info.HTTPAddr,
			},
		},
	}
	if p.MQTTConnected != nil {
		sj.Status.MQTT = &MQTTStatus{Connected: *p.MQTTConnected, Broker: p.Info.Broker}
	}

	data, _ := json.MarshalIndent(sj, "", "  ")
	return data
}
