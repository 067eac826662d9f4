package webpush

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/imjasonh/webpush-aesgcm/aesgcm"
	"github.com/imjasonh/webpush-aesgcm/keys"
	"github.com/imjasonh/webpush-aesgcm/vapid"
)

var (
	// ErrInvalidPrivateKey is returned when the configured private key is not
	// a usable 32-byte P-256 scalar for the configured public key.
	ErrInvalidPrivateKey = keys.ErrInvalidPrivateKey
	// ErrInvalidPublicKey is returned when the configured or subscriber
	// public key is not a 65-byte uncompressed P-256 point.
	ErrInvalidPublicKey = keys.ErrInvalidPublicKey
	// ErrMissingAudience is returned when a VAPID token has no audience.
	ErrMissingAudience = vapid.ErrMissingAudience
	// ErrPayloadTooLarge is returned when the serialized message does not fit
	// in a single padded record.
	ErrPayloadTooLarge = aesgcm.ErrPayloadTooLarge

	// ErrSerialization is returned when a message cannot be turned into JSON.
	ErrSerialization = errors.New("webpush: message serialization failed")
	// ErrInvalidSubscription is returned for a subscription whose endpoint or
	// auth secret cannot be used.
	ErrInvalidSubscription = errors.New("webpush: invalid subscription")
	// ErrSubscriptionGone is returned by CheckResponse when the push service
	// reports the subscription no longer exists.
	ErrSubscriptionGone = errors.New("webpush: subscription is gone")
)

// Kind classifies an Error by what the caller should do about it.
type Kind int

const (
	// KindUnknown is reported for errors not produced by this package.
	KindUnknown Kind = iota
	// KindConfig means the operator's key material or settings are wrong.
	KindConfig
	// KindSubscription means the subscription is unusable and should be
	// removed.
	KindSubscription
	// KindMessage means the message could not be serialized or is too large.
	KindMessage
	// KindTransport means the request could not be delivered or the push
	// service refused it. Callers may retry.
	KindTransport
	// KindCrypto means a cryptographic primitive failed.
	KindCrypto
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindSubscription:
		return "subscription"
	case KindMessage:
		return "message"
	case KindTransport:
		return "transport"
	case KindCrypto:
		return "crypto"
	default:
		return "unknown"
	}
}

// Error is returned by every Client operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("webpush: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// PushServiceError is a non-2xx response from a push service.
type PushServiceError struct {
	StatusCode int
	Body       string
}

func (e *PushServiceError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("push service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("push service returned %d: %s", e.StatusCode, e.Body)
}

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 4 << 10

// CheckResponse classifies a push service response. A 2xx response returns
// nil; 404 and 410 return ErrSubscriptionGone with KindSubscription; anything
// else returns a *PushServiceError with KindTransport. The body of a non-2xx
// response is read (up to 4KiB) but not closed.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return newError(KindSubscription, "check response", ErrSubscriptionGone)
	}

	var body string
	if resp.Body != nil {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		body = strings.TrimSpace(string(b))
	}
	return newError(KindTransport, "check response", &PushServiceError{
		StatusCode: resp.StatusCode,
		Body:       body,
	})
}
