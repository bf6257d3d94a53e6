package models

import (
	"encoding/json"
	"time"
)

// Message is one parsed push payload. Payload keeps the full JSON object so
// that the router can decode it into the typed event.
type Message struct {
	Topic      string          `json:"topic"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"receivedAt"`
}
