package notifier

import "time"

// Config controls the delivery service.
type Config struct {
	RatePerSec     int
	SendTimeout    time.Duration
	HistorySize    int
	DisablePreview bool
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Source   string    `json:"source"`
	Text     string    `json:"text"`
}

// NotificationEvent is the bus payload for a delivery attempt.
type NotificationEvent struct {
	Source   string    `json:"source"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	At       time.Time `json:"at"`
	Took     string    `json:"took,omitempty"`
	Error    string    `json:"error,omitempty"`
}
