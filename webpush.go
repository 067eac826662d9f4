// Package webpush sends Web Push notifications encrypted with the "aesgcm"
// content-encoding and authenticated with VAPID.
package webpush

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"github.com/imjasonh/webpush-aesgcm/aesgcm"
	"github.com/imjasonh/webpush-aesgcm/config"
	"github.com/imjasonh/webpush-aesgcm/keys"
	"github.com/imjasonh/webpush-aesgcm/vapid"
)

// Doer sends HTTP requests. *http.Client implements it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client sends web push notifications. It holds only immutable configuration
// and is safe for concurrent use.
type Client struct {
	cfg  config.Config
	doer Doer
	now  func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.doer = httpClient
	}
}

// WithDoer sets the transport requests are dispatched through.
func WithDoer(d Doer) Option {
	return func(c *Client) {
		c.doer = d
	}
}

// WithClock overrides the time source for VAPID token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a new web push client. The key pair in cfg is validated
// on every send, not here.
func NewClient(cfg config.Config, opts ...Option) *Client {
	c := &Client{
		cfg:  cfg,
		doer: http.DefaultClient,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewRequest validates the configuration and subscription, encrypts msg and
// returns the POST request for the subscription's endpoint. It performs no
// network I/O.
//
// A configured private key that does not derive the configured public key is
// rejected with ErrInvalidPrivateKey (KindConfig), even when both keys decode
// and have the right length.
func (c *Client) NewRequest(ctx context.Context, msg Payload, sub *Subscription) (*http.Request, error) {
	const op = "new request"

	// The configured key pair is checked first so misconfiguration is
	// reported before anything touches the subscription or the network.
	serverKey, err := keys.NewServerKey(c.cfg.PublicKey, c.cfg.PrivateKey)
	if err != nil {
		return nil, newError(KindConfig, op, err)
	}

	if sub == nil {
		return nil, newError(KindSubscription, op, fmt.Errorf("%w: nil subscription", ErrInvalidSubscription))
	}
	subscriberKey, err := keys.DecodePublicKey(sub.Keys.P256dh)
	if err != nil {
		return nil, newError(KindSubscription, op, err)
	}
	if _, err := ecdh.P256().NewPublicKey(subscriberKey); err != nil {
		return nil, newError(KindSubscription, op, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err))
	}
	auth, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(sub.Keys.Auth, "="))
	if err != nil {
		return nil, newError(KindSubscription, op, fmt.Errorf("%w: decoding auth secret: %w", ErrInvalidSubscription, err))
	}
	audience, err := sub.Audience()
	if err != nil {
		return nil, newError(KindSubscription, op, err)
	}

	if msg == nil {
		return nil, newError(KindMessage, op, fmt.Errorf("%w: nil message", ErrSerialization))
	}
	plaintext, err := msg.JSON()
	if err != nil {
		if !errors.Is(err, ErrSerialization) {
			err = fmt.Errorf("%w: %w", ErrSerialization, err)
		}
		return nil, newError(KindMessage, op, err)
	}

	record, err := aesgcm.Encrypt(subscriberKey, auth, plaintext)
	if err != nil {
		if errors.Is(err, aesgcm.ErrPayloadTooLarge) {
			return nil, newError(KindMessage, op, err)
		}
		return nil, newError(KindCrypto, op, err)
	}

	token, err := vapid.NewGenerator(serverKey, c.cfg.SubjectOrDefault(), c.cfg.ExpirationDuration(), vapid.WithClock(c.now)).
		WithAudience(audience).
		Serialize(ctx)
	if err != nil {
		return nil, newError(KindCrypto, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(record.Ciphertext))
	if err != nil {
		return nil, newError(KindSubscription, op, fmt.Errorf("%w: %w", ErrInvalidSubscription, err))
	}

	ttl := c.cfg.TTLSeconds()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", "aesgcm")
	req.Header.Set("Authorization", "WebPush "+token)
	req.Header.Set("Encryption", "salt="+record.EncodedSalt())
	req.Header.Set("Crypto-Key", "dh="+record.EncodedPublicKey()+";p256ecdsa="+c.cfg.PublicKey)
	// Only the request returned here carries the literal "dh=" value.
	// net/http drops it from the wire and sends req.ContentLength instead.
	req.Header.Set("Content-Length", "dh="+strconv.Itoa(record.CipherLength()))
	req.Header.Set("TTL", strconv.FormatInt(ttl, 10))
	if topic := msg.Topic(); topic != "" {
		req.Header.Set("Topic", topic)
	}
	if urgency := msg.Urgency(); urgency != "" {
		req.Header.Set("Urgency", string(urgency))
	}

	clog.FromContext(ctx).With("origin", audience, "key_id", serverKey.KeyID()).
		Debugf("prepared push request: cipher_length=%d ttl=%d topic=%t urgency=%q",
			record.CipherLength(), ttl, msg.Topic() != "", msg.Urgency())

	return req, nil
}

// SendMessage encrypts msg for sub and sends it. The push service's response
// is returned as is, whatever its status; see CheckResponse. The caller must
// close the response body.
func (c *Client) SendMessage(ctx context.Context, msg Payload, sub *Subscription) (*http.Response, error) {
	req, err := c.NewRequest(ctx, msg, sub)
	if err != nil {
		return nil, err
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, newError(KindTransport, "send", err)
	}
	clog.FromContext(ctx).Debugf("push service responded %d", resp.StatusCode)
	return resp, nil
}

// Pending is the result of a SendMessageAsync call.
type Pending struct {
	done chan struct{}
	resp *http.Response
	err  error
}

// Done is closed when the send has completed.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the send completes and returns its outcome.
func (p *Pending) Wait() (*http.Response, error) {
	<-p.done
	return p.resp, p.err
}

// SendMessageAsync runs SendMessage on its own goroutine. Cancel ctx to
// abandon the request.
func (c *Client) SendMessageAsync(ctx context.Context, msg Payload, sub *Subscription) *Pending {
	p := &Pending{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.resp, p.err = c.SendMessage(ctx, msg, sub)
	}()
	return p
}

// Result is the outcome of one send in a Broadcast.
type Result struct {
	Subscription *Subscription
	// StatusCode is 0 if no response was received.
	StatusCode int
	// Err is nil for a 2xx response. Use KindOf to decide whether to prune
	// the subscription or retry.
	Err error
}

// Broadcast sends msg to every subscription with at most limit sends in
// flight (no limit if limit <= 0). One failure does not stop the others.
// Response bodies are closed after CheckResponse has classified them.
func (c *Client) Broadcast(ctx context.Context, msg Payload, subs []*Subscription, limit int) []Result {
	results := make([]Result, len(subs))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, sub := range subs {
		g.Go(func() error {
			results[i] = c.deliver(ctx, msg, sub)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (c *Client) deliver(ctx context.Context, msg Payload, sub *Subscription) Result {
	r := Result{Subscription: sub}
	resp, err := c.SendMessage(ctx, msg, sub)
	if err != nil {
		r.Err = err
		return r
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}

	r.StatusCode = resp.StatusCode
	r.Err = CheckResponse(resp)
	return r
}
