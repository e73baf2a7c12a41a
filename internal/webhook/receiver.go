// Package webhook is the HTTP entry point for provider callbacks. Every
// request is size-limited, signature-checked and validated before it
// reaches the event pipeline.
package webhook

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/ingestion"
	"github.com/dennisdiepolder/monti/comms/internal/metrics"
	"github.com/dennisdiepolder/monti/comms/internal/signature"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const emptyTwiML = "<Response></Response>"

// Options configure a Receiver
type Options struct {
	PublicBaseURL string
	MaxBodyBytes  int64
	SkipSignature bool
}

// Receiver handles provider webhooks
type Receiver struct {
	verifier  *signature.Verifier
	processor ingestion.EventProcessor
	opts      Options
	logger    zerolog.Logger

	eventsReceived int64
	lastReceived   time.Time
	mu             sync.RWMutex
}

// NewReceiver creates a new webhook receiver
func NewReceiver(verifier *signature.Verifier, processor ingestion.EventProcessor, opts Options, logger zerolog.Logger) *Receiver {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 << 10
	}
	return &Receiver{
		verifier:  verifier,
		processor: processor,
		opts:      opts,
		logger:    logger.With().Str("component", "webhook").Logger(),
	}
}

// Routes mounts the provider endpoints
func (rc *Receiver) Routes(r chi.Router) {
	r.Post("/voice", rc.handle(parseVoice))
	r.Post("/status", rc.handle(parseStatus))
	r.Post("/recording", rc.handle(parseRecording))
	r.Post("/transcription", rc.handle(parseTranscription))
	r.Post("/message", rc.handle(parseMessage))
	r.Post("/message-status", rc.handle(parseMessageStatus))
}

func (rc *Receiver) handle(parse parser) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		m := metrics.Get()
		req.Body = http.MaxBytesReader(w, req.Body, rc.opts.MaxBodyBytes)

		if err := req.ParseForm(); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				m.RecordWebhookRejection("too_large")
				http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
				return
			}
			if !rc.opts.SkipSignature {
				// a body we cannot parse cannot be verified either
				m.RecordWebhookRejection("signature")
				http.Error(w, "invalid signature", http.StatusUnauthorized)
				return
			}
			m.RecordWebhookRejection("bad_form")
			http.Error(w, "malformed form body", http.StatusBadRequest)
			return
		}

		if !rc.opts.SkipSignature {
			if err := rc.verifier.Verify(rc.fullURL(req), req.PostForm, req.Header.Get(signature.Header)); err != nil {
				m.RecordWebhookRejection("signature")
				rc.logger.Warn().
					Err(err).
					Str("path", req.URL.Path).
					Str("remote_addr", req.RemoteAddr).
					Msg("webhook signature rejected")
				http.Error(w, "invalid signature", http.StatusUnauthorized)
				return
			}
		}

		ev, err := parse(req.PostForm)
		if err != nil {
			m.RecordWebhookRejection("validation")
			rc.logger.Debug().Err(err).Str("path", req.URL.Path).Msg("webhook payload rejected")
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ev.ReceivedAt = time.Now()
		ev.Fingerprint = Fingerprint(req.PostForm)
		ev.Params = flatten(req.PostForm)

		outcome, err := rc.processor.Process(req.Context(), ev)
		if err != nil {
			rc.logger.Error().
				Err(err).
				Str("interaction_id", ev.InteractionID).
				Str("event_kind", string(ev.Kind)).
				Msg("failed to process webhook")
			http.Error(w, "processing failed", http.StatusInternalServerError)
			return
		}

		count := atomic.AddInt64(&rc.eventsReceived, 1)
		rc.mu.Lock()
		rc.lastReceived = ev.ReceivedAt
		rc.mu.Unlock()

		rc.logger.Debug().
			Str("interaction_id", ev.InteractionID).
			Str("event_kind", string(ev.Kind)).
			Str("outcome", string(outcome)).
			Msg("webhook handled")
		if count%1000 == 0 {
			rc.logger.Info().Int64("total_received", count).Msg("webhooks received")
		}

		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(emptyTwiML))
	}
}

// fullURL is the URL the provider signed
func (rc *Receiver) fullURL(req *http.Request) string {
	u := rc.opts.PublicBaseURL + req.URL.Path
	if req.URL.RawQuery != "" {
		u += "?" + req.URL.RawQuery
	}
	return u
}

// GetStats returns receiver statistics
func (rc *Receiver) GetStats(w http.ResponseWriter, req *http.Request) {
	rc.mu.RLock()
	lastReceived := rc.lastReceived
	rc.mu.RUnlock()

	stats := map[string]interface{}{
		"events_received": atomic.LoadInt64(&rc.eventsReceived),
		"last_received":   lastReceived,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func flatten(form map[string][]string) map[string]string {
	out := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
