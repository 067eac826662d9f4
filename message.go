package webpush

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"
)

// Payload is a message that can be encrypted and sent to a subscription.
type Payload interface {
	// JSON returns the plaintext that is encrypted into the request body.
	JSON() ([]byte, error)
	// Topic returns the Topic header value, or "" for none.
	Topic() string
	// Urgency returns the Urgency header value, or "" for none.
	Urgency() Urgency
}

// Urgency hints to the push service how soon a message must be delivered.
type Urgency string

const (
	UrgencyVeryLow Urgency = "very-low"
	UrgencyLow     Urgency = "low"
	UrgencyNormal  Urgency = "normal"
	UrgencyHigh    Urgency = "high"
)

// Valid reports whether u is one of the defined urgencies.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyVeryLow, UrgencyLow, UrgencyNormal, UrgencyHigh:
		return true
	}
	return false
}

// Notification directions accepted by SetDir.
const (
	DirAuto = "auto"
	DirLTR  = "ltr"
	DirRTL  = "rtl"
)

// DefaultVibrate is the vibration pattern of a new PushMessage.
var DefaultVibrate = []int{0, 200, 1000}

// Action is a button shown on a notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// PushMessage is a notification for the service worker's showNotification
// call. It serializes as {"title": ..., "options": {...}} with empty members
// left out.
type PushMessage struct {
	Title              string
	Actions            []Action
	Badge              string
	Body               string
	Data               any
	Icon               string
	Image              string
	Lang               string
	Renotify           bool
	RequireInteraction bool
	// Silent suppresses sound and vibration. Vibrate is not sent when set.
	Silent    bool
	Tag       string
	Timestamp time.Time
	Vibrate   []int

	dir     string
	topic   string
	urgency Urgency
}

// NewPushMessage returns a message with direction "auto" and the default
// vibration pattern.
func NewPushMessage(title, body string) *PushMessage {
	return &PushMessage{
		Title:   title,
		Body:    body,
		Vibrate: slices.Clone(DefaultVibrate),
		dir:     DirAuto,
	}
}

// SetDir sets the text direction to "auto", "ltr" or "rtl".
func (m *PushMessage) SetDir(dir string) error {
	switch dir {
	case DirAuto, DirLTR, DirRTL:
		m.dir = dir
		return nil
	}
	return fmt.Errorf("webpush: direction must be one of %s, %s, %s: got %q", DirAuto, DirLTR, DirRTL, dir)
}

// Dir returns the text direction.
func (m *PushMessage) Dir() string {
	return m.dir
}

// SetTopic sets the Topic header. Messages with the same topic replace each
// other while pending at the push service.
func (m *PushMessage) SetTopic(topic string) *PushMessage {
	m.topic = topic
	return m
}

// Topic implements Payload.
func (m *PushMessage) Topic() string {
	return m.topic
}

// SetUrgency sets the Urgency header. An empty urgency removes it.
func (m *PushMessage) SetUrgency(u Urgency) error {
	if u != "" && !u.Valid() {
		return fmt.Errorf("webpush: unknown urgency %q", u)
	}
	m.urgency = u
	return nil
}

// Urgency implements Payload.
func (m *PushMessage) Urgency() Urgency {
	return m.urgency
}

type notificationOptions struct {
	Actions            []Action `json:"actions,omitempty"`
	Badge              string   `json:"badge,omitempty"`
	Body               string   `json:"body,omitempty"`
	Data               any      `json:"data,omitempty"`
	Dir                string   `json:"dir,omitempty"`
	Icon               string   `json:"icon,omitempty"`
	Image              string   `json:"image,omitempty"`
	Lang               string   `json:"lang,omitempty"`
	Renotify           bool     `json:"renotify,omitempty"`
	RequireInteraction bool     `json:"requireInteraction,omitempty"`
	Silent             bool     `json:"silent,omitempty"`
	Tag                string   `json:"tag,omitempty"`
	Timestamp          int64    `json:"timestamp,omitempty"`
	Vibrate            []int    `json:"vibrate,omitempty"`
}

type notification struct {
	Title   string          `json:"title,omitempty"`
	Options json.RawMessage `json:"options,omitempty"`
}

// JSON implements Payload.
func (m *PushMessage) JSON() ([]byte, error) {
	opts := notificationOptions{
		Actions:            m.Actions,
		Badge:              m.Badge,
		Body:               m.Body,
		Data:               m.Data,
		Dir:                m.dir,
		Icon:               m.Icon,
		Image:              m.Image,
		Lang:               m.Lang,
		Renotify:           m.Renotify,
		RequireInteraction: m.RequireInteraction,
		Silent:             m.Silent,
		Tag:                m.Tag,
	}
	if !m.Timestamp.IsZero() {
		opts.Timestamp = m.Timestamp.UnixMilli()
	}
	if !m.Silent {
		opts.Vibrate = m.Vibrate
	}

	raw, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	n := notification{Title: m.Title}
	if !bytes.Equal(raw, []byte("{}")) {
		n.Options = raw
	}

	b, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return b, nil
}

// SendTo sends the message to sub through c.
func (m *PushMessage) SendTo(ctx context.Context, c *Client, sub *Subscription) (*http.Response, error) {
	return c.SendMessage(ctx, m, sub)
}
