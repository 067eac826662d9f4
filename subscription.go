package webpush

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Subscription represents a Web Push subscription from a client, as returned
// by PushSubscription.toJSON() in the browser.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

// Keys contains the client's encryption keys.
type Keys struct {
	P256dh string `json:"p256dh"` // Client's ECDH public key
	Auth   string `json:"auth"`   // Client's authentication secret
}

// Audience returns the origin (scheme://host[:port]) of the endpoint, which
// is the aud claim of the VAPID token.
func (s *Subscription) Audience() (string, error) {
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: parsing endpoint: %w", ErrInvalidSubscription, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: endpoint %q has no origin", ErrInvalidSubscription, s.Endpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}

// SendMessage sends msg to the subscription through c.
func (s *Subscription) SendMessage(ctx context.Context, c *Client, msg Payload) (*http.Response, error) {
	return c.SendMessage(ctx, msg, s)
}

// ParseSubscription parses a subscription from JSON.
func ParseSubscription(data []byte) (*Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling subscription: %w", ErrInvalidSubscription, err)
	}
	if sub.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint is required", ErrInvalidSubscription)
	}
	if sub.Keys.P256dh == "" {
		return nil, fmt.Errorf("%w: p256dh key is required", ErrInvalidSubscription)
	}
	if sub.Keys.Auth == "" {
		return nil, fmt.Errorf("%w: auth key is required", ErrInvalidSubscription)
	}
	// Push services only accept HTTPS.
	if !strings.HasPrefix(sub.Endpoint, "https://") {
		return nil, fmt.Errorf("%w: endpoint must use HTTPS", ErrInvalidSubscription)
	}
	return &sub, nil
}
