package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	webpush "github.com/imjasonh/webpush-aesgcm"
	"github.com/imjasonh/webpush-aesgcm/aesgcm"
	"github.com/imjasonh/webpush-aesgcm/keys"
	"github.com/imjasonh/webpush-aesgcm/storage"
	"github.com/imjasonh/webpush-aesgcm/vapid"
)

type metrics struct {
	sends         *prometheus.CounterVec
	pruned        prometheus.Counter
	subscriptions prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webpush_sends_total",
			Help: "Push messages sent, by outcome.",
		}, []string{"outcome"}),
		pruned: f.NewCounter(prometheus.CounterOpts{
			Name: "webpush_subscriptions_pruned_total",
			Help: "Subscriptions removed after the push service reported them gone or they failed too often.",
		}),
		subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "webpush_subscriptions",
			Help: "Subscriptions made with the current VAPID key.",
		}),
	}
}

type server struct {
	store       storage.Storage
	client      *webpush.Client
	key         *keys.ServerKey
	metrics     *metrics
	concurrency int
	maxFailures int
	now         func() time.Time
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/vapid-public-key", s.handleVAPIDPublicKey)
	mux.HandleFunc("POST /api/subscribe", s.handleSubscribe)
	mux.HandleFunc("POST /api/unsubscribe", s.handleUnsubscribe)
	mux.HandleFunc("/ping", s.handlePing)
	return mux
}

type summary struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	Pruned int `json:"pruned"`
}

// errMessageTooLarge is returned for messages that cannot fit in one record.
var errMessageTooLarge = errors.New("message exceeds the maximum push payload size")

// checkMessage rejects a message before any subscription is contacted.
func checkMessage(msg *webpush.PushMessage) error {
	payload, err := msg.JSON()
	if err != nil {
		return err
	}
	if len(payload) > aesgcm.PaddedPayloadLength {
		return fmt.Errorf("%w: %d > %d bytes", errMessageTooLarge, len(payload), aesgcm.PaddedPayloadLength)
	}
	return nil
}

// broadcast sends msg to every subscription made with the current key, or
// only to userID's when set, and prunes the ones that are gone.
//
// Only subscription and transport failures count against a subscription.
// Message, configuration and crypto failures are the sender's problem; they
// leave every record untouched and are returned as the broadcast's error.
func (s *server) broadcast(ctx context.Context, msg *webpush.PushMessage, userID string) (summary, error) {
	log := clog.FromContext(ctx)

	if err := checkMessage(msg); err != nil {
		return summary{}, err
	}

	var (
		records []*storage.Record
		err     error
	)
	if userID != "" {
		records, err = s.store.GetByUserID(ctx, userID)
	} else {
		records, err = s.store.GetByServerKey(ctx, s.key.KeyID())
	}
	if err != nil {
		return summary{}, err
	}
	if len(records) == 0 {
		log.Infof("No subscribers to notify")
		return summary{}, nil
	}

	subs := make([]*webpush.Subscription, len(records))
	for i, r := range records {
		subs[i] = r.Subscription
	}

	var (
		sum       summary
		senderErr error
	)
	for i, res := range s.client.Broadcast(ctx, msg, subs, s.concurrency) {
		record := records[i]
		if res.Err == nil {
			sum.Sent++
			s.metrics.sends.WithLabelValues("ok").Inc()
			if err := s.store.RecordDelivery(ctx, record.ID, s.now(), true); err != nil {
				log.Warnf("Failed to record delivery for %s: %v", record.ID, err)
			}
			continue
		}

		sum.Failed++
		kind := webpush.KindOf(res.Err)
		s.metrics.sends.WithLabelValues(kind.String()).Inc()
		log.With("subscription", record.ID, "status", res.StatusCode).Warnf("Failed to send: %v", res.Err)

		switch kind {
		case webpush.KindSubscription:
			// Gone; prune below.
		case webpush.KindTransport:
			if record.Failures+1 < s.maxFailures {
				if err := s.store.RecordDelivery(ctx, record.ID, s.now(), false); err != nil {
					log.Warnf("Failed to record failure for %s: %v", record.ID, err)
				}
				continue
			}
		default:
			if senderErr == nil {
				senderErr = res.Err
			}
			continue
		}

		if err := s.store.Delete(ctx, record.ID); err != nil {
			log.Errorf("Failed to delete subscription %s: %v", record.ID, err)
			continue
		}
		sum.Pruned++
		s.metrics.pruned.Inc()
		log.Infof("Deleted subscription: %s", record.ID)
	}

	s.refreshGauge(ctx)
	log.Infof("Push sent: %d successful, %d failed, %d pruned", sum.Sent, sum.Failed, sum.Pruned)
	return sum, senderErr
}

// periodic broadcasts a message every interval until ctx is done.
func (s *server) periodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.broadcast(ctx, webpush.NewPushMessage("Periodic Update", "This notification is sent every "+interval.String()+"!"), ""); err != nil {
				clog.FromContext(ctx).Errorf("Periodic push failed: %v", err)
			}
		}
	}
}

func (s *server) refreshGauge(ctx context.Context) {
	n, err := s.store.CountByServerKey(ctx, s.key.KeyID())
	if err != nil {
		clog.FromContext(ctx).Warnf("Failed to count subscriptions: %v", err)
		return
	}
	s.metrics.subscriptions.Set(float64(n))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *server) handleVAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"publicKey": vapid.ApplicationServerKey(s.key.PublicKey()),
		"keyId":     s.key.KeyID(),
	})
}

func (s *server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 8<<10))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	sub, err := webpush.ParseSubscription(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	existing, err := s.store.GetByEndpoint(ctx, sub.Endpoint)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{
			"id":      existing.ID,
			"message": "Already subscribed",
		})
		return
	case !errors.Is(err, storage.ErrNotFound):
		http.Error(w, "Failed to look up subscription", http.StatusInternalServerError)
		return
	}

	record := &storage.Record{
		ID:           uuid.New().String(),
		UserID:       r.URL.Query().Get("user"),
		Subscription: sub,
		ServerKeyID:  s.key.KeyID(),
	}
	if err := s.store.Save(ctx, record); err != nil {
		http.Error(w, "Failed to save subscription: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.refreshGauge(ctx)

	clog.FromContext(ctx).Infof("New subscription: %s", record.ID)
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":      record.ID,
		"message": "Subscribed successfully",
	})
}

func (s *server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.store.DeleteByEndpoint(r.Context(), req.Endpoint); err != nil {
		http.Error(w, "Subscription not found", http.StatusNotFound)
		return
	}
	s.refreshGauge(r.Context())

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Unsubscribed successfully",
	})
}

// handlePing queues a broadcast. With ?wait=true it sends synchronously and
// reports the outcome.
func (s *server) handlePing(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	title := q.Get("title")
	if title == "" {
		title = "Ping!"
	}
	body := q.Get("body")
	if body == "" {
		body = "Someone pinged the server at " + s.now().Format(time.RFC3339)
	}
	msg := webpush.NewPushMessage(title, body)
	msg.Timestamp = s.now()
	if topic := q.Get("topic"); topic != "" {
		msg.SetTopic(topic)
	}
	if err := msg.SetUrgency(webpush.Urgency(q.Get("urgency"))); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := checkMessage(msg); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errMessageTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, err.Error(), status)
		return
	}
	user := q.Get("user")

	if q.Get("wait") == "true" {
		sum, err := s.broadcast(r.Context(), msg, user)
		if err != nil {
			http.Error(w, "Broadcast failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, sum)
		return
	}

	go func() {
		ctx := context.WithoutCancel(r.Context())
		if _, err := s.broadcast(ctx, msg, user); err != nil {
			clog.FromContext(ctx).Errorf("Broadcast failed: %v", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "Push notification queued",
	})
}
