package notifier

import (
	"fmt"
	"strconv"
	"time"

	"matchwatch/internal/model"
	"matchwatch/internal/riot"
	"matchwatch/internal/transport"
)

const (
	colorWin     = 0x2ECC71
	colorLoss    = 0xE74C3C
	colorNeutral = 0x95A5A6
)

// FormatMatch renders the tracked player's result in ev.Match.
func FormatMatch(ev model.MatchCompletedEvent) transport.Message {
	m := ev.Match
	name := ev.Account.DisplayName
	if name == "" {
		name = ev.Account.Key().String()
	}
	queue := m.QueueType
	if queue == "" {
		queue = riot.QueueName(m.QueueID)
	}
	msg := transport.Message{
		Color:     colorNeutral,
		Timestamp: m.CompletedAt,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = ev.DetectedAt
	}

	p, ok := m.Participant(ev.Account.ProviderID)
	if !ok {
		msg.Title = name + " finished a match"
		msg.Text = queue + " (" + formatDuration(m.Duration) + ")"
		msg.Fields = []transport.Field{{Name: "Match", Value: m.MatchID, Inline: true}}
		return msg
	}

	result := "Defeat"
	msg.Color = colorLoss
	if p.Win {
		result = "Victory"
		msg.Color = colorWin
	}
	msg.Title = fmt.Sprintf("%s: %s on %s", name, result, p.Champion)
	msg.Text = fmt.Sprintf("%d/%d/%d in %s (%s)", p.Kills, p.Deaths, p.Assists, queue, formatDuration(m.Duration))
	msg.Fields = append(msg.Fields, transport.Field{Name: "KDA", Value: kdaRatio(p), Inline: true})
	if p.Position != "" {
		msg.Fields = append(msg.Fields, transport.Field{Name: "Position", Value: p.Position, Inline: true})
	}
	msg.Fields = append(msg.Fields, transport.Field{Name: "Match", Value: m.MatchID, Inline: true})
	return msg
}

func kdaRatio(p model.PlayerResult) string {
	if p.Deaths == 0 {
		return "Perfect"
	}
	return strconv.FormatFloat(float64(p.Kills+p.Assists)/float64(p.Deaths), 'f', 2, 64)
}

// formatDuration renders d as "31m05s".
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0m00s"
	}
	d = d.Round(time.Second)
	return fmt.Sprintf("%dm%02ds", int(d/time.Minute), int(d%time.Minute/time.Second))
}
