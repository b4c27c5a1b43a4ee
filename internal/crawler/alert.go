package crawler

import "time"

// AlertLevel grades operator alerts.
type AlertLevel string

// Alert levels.
const (
	AlertWarning AlertLevel = "warning"
	AlertSevere  AlertLevel = "severe"
)

// Alert is an operator-facing notice raised by a worker or stage.
type Alert struct {
	ID      string     `json:"id"`
	At      time.Time  `json:"at"`
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Body    string     `json:"body"`
	Cause   error      `json:"-"`
	Ordinal int        `json:"ordinal"`
	URL     string     `json:"url,omitempty"`
}
