package dispatch

import (
	"bytes"
	"context"
	"log/slog"
	"slices"
	"strings"
	"text/template"

	"github.com/couchcryptid/coastal-hazard-pipeline/internal/domain"
)

// Channel names.
const (
	ChannelSMS     = "sms"
	ChannelEmail   = "email"
	ChannelPush    = "push"
	ChannelWebhook = "webhook"
)

// Message is the rendered notification handed to a channel adapter.
type Message struct {
	TaskID     string            `json:"task_id"`
	HotspotID  string            `json:"hotspot_id"`
	HazardType domain.HazardType `json:"hazard_type"`
	Severity   domain.Severity   `json:"severity"`
	State      string            `json:"state"`
	Centroid   domain.Geo        `json:"centroid"`
	RadiusKm   float64           `json:"radius_km"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
}

// Channel delivers a message to one subscriber. Send must honour context
// cancellation; any returned error counts as a failed attempt.
type Channel interface {
	Name() string
	Send(ctx context.Context, subscriberID string, msg Message) error
}

// smsLimit is the single-segment SMS length.
const smsLimit = 160

var (
	subjectTmpl = template.Must(template.New("subject").Parse(
		`[{{.Severity}}] {{.HazardType}} hotspot {{.State}}`))
	bodyTmpl = template.Must(template.New("body").Parse(
		`{{.Severity}} {{.HazardType}} hotspot {{.State}} near {{printf "%.4f" .Centroid.Lat}},{{printf "%.4f" .Centroid.Lon}}` +
			` ({{.MemberCount}} reports within {{printf "%.1f" .RadiusKm}} km).` +
			`{{if eq .To "escalated"}} Conditions are worsening; follow official guidance.{{end}}`))
)

// Render builds the message for a task. SMS bodies are cut to one segment.
func Render(task domain.AlertTask) Message {
	t := task.Trigger
	data := struct {
		domain.Transition
		State string
	}{Transition: t, State: string(t.To)}

	var subj, body bytes.Buffer
	_ = subjectTmpl.Execute(&subj, data)
	_ = bodyTmpl.Execute(&body, data)

	msg := Message{
		TaskID:     task.ID,
		HotspotID:  task.HotspotID,
		HazardType: t.HazardType,
		Severity:   t.Severity,
		State:      string(t.To),
		Centroid:   t.Centroid,
		RadiusKm:   t.RadiusKm,
		Subject:    subj.String(),
		Body:       body.String(),
	}
	if task.Channel == ChannelSMS && len(msg.Body) > smsLimit {
		msg.Body = strings.TrimSpace(msg.Body[:smsLimit-3]) + "..."
	}
	return msg
}

// ChannelsFor picks the channels a subscriber is notified on for a trigger.
// Activation alerts are tiered by severity: critical goes out on sms, email
// and push, high on email and push, anything lower on email only. Webhooks
// always fire. Escalations use every channel the subscriber registered.
// A subscriber whose channels miss the tier entirely still gets their first
// registered channel.
func ChannelsFor(t domain.Transition, subscribed []string) []string {
	registered := dedupe(subscribed)
	if len(registered) == 0 {
		return nil
	}
	if t.To == domain.StateEscalated {
		return registered
	}

	var tier []string
	switch {
	case t.Severity >= domain.SeverityCritical:
		tier = []string{ChannelSMS, ChannelEmail, ChannelPush}
	case t.Severity == domain.SeverityHigh:
		tier = []string{ChannelEmail, ChannelPush}
	default:
		tier = []string{ChannelEmail}
	}

	var out []string
	for _, ch := range registered {
		if ch == ChannelWebhook || slices.Contains(tier, ch) {
			out = append(out, ch)
		}
	}
	if len(out) == 0 {
		out = []string{registered[0]}
	}
	return out
}

func dedupe(chs []string) []string {
	out := make([]string, 0, len(chs))
	for _, ch := range chs {
		ch = strings.ToLower(strings.TrimSpace(ch))
		if ch != "" && !slices.Contains(out, ch) {
			out = append(out, ch)
		}
	}
	return out
}

// LogChannel records deliveries in the log instead of sending them. It backs
// every channel in demo mode.
type LogChannel struct {
	name   string
	logger *slog.Logger
}

// NewLogChannel creates a demo channel with the given name.
func NewLogChannel(name string, logger *slog.Logger) *LogChannel {
	return &LogChannel{name: name, logger: logger}
}

func (c *LogChannel) Name() string { return c.name }

func (c *LogChannel) Send(ctx context.Context, subscriberID string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.logger.Info("alert simulated",
		"channel", c.name,
		"subscriber_id", subscriberID,
		"hotspot_id", msg.HotspotID,
		"subject", msg.Subject,
	)
	return nil
}
