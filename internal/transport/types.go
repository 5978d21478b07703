package transport

import (
	"context"
	"time"
)

// Message is a transport-neutral notification.
//
// Text is always set. Title, Color and Fields are optional hints that rich
// transports (Discord embeds) render; plain transports fold them into text.
type Message struct {
	Title     string
	Text      string
	Color     int
	Fields    []Field
	URL       string
	Timestamp time.Time
}

type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Sender delivers a Message to one destination.
type Sender interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// PlainText renders m for transports without rich formatting.
func PlainText(m Message) string {
	out := m.Text
	if m.Title != "" {
		if out != "" {
			out = m.Title + "\n" + out
		} else {
			out = m.Title
		}
	}
	for _, f := range m.Fields {
		out += "\n" + f.Name + ": " + f.Value
	}
	if m.URL != "" {
		out += "\n" + m.URL
	}
	return out
}
