package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"shuttlematch/internal/logging"
	"shuttlematch/internal/metrics"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body keyed by
// the shared webhook secret. Deliveries are unsigned when no secret is set.
const SignatureHeader = "X-Signature"

type Worker struct {
	Queue       *Queue
	HTTP        *http.Client
	Secret      string
	MaxAttempts int
	Interval    time.Duration
	Logger      *slog.Logger
	Stop        chan struct{}
}

func NewWorker(q *Queue, secret string, maxAttempts int, logger *slog.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		Queue: q, HTTP: &http.Client{Timeout: 5 * time.Second}, Secret: secret,
		MaxAttempts: maxAttempts, Interval: time.Second, Logger: logger, Stop: make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.Stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.processOnce(ctx)
			}
		}
	}()
}

func (w *Worker) processOnce(ctx context.Context) {
	for _, d := range w.Queue.due(50) {
		code, err := w.deliver(ctx, d)
		d.Attempts++
		d.LastCode = code
		if err == nil {
			metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
			w.Logger.Debug("webhook delivered", "event", d.EventType, "url", d.URL, "attempts", d.Attempts)
			continue
		}
		d.LastError = err.Error()
		if d.Attempts >= w.MaxAttempts {
			metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
			logging.LogError(w.Logger, "webhook dropped", err,
				slog.String("event", d.EventType), slog.String("url", d.URL), slog.Int("attempts", d.Attempts))
			continue
		}
		metrics.WebhookDeliveries.WithLabelValues("retried").Inc()
		w.Queue.retry(d, nextBackoff(d.Attempts-1))
	}
}

func (w *Worker) deliver(ctx context.Context, d *Delivery) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", d.EventType)
	req.Header.Set("X-Event-Id", d.ID)
	if w.Secret != "" {
		req.Header.Set(SignatureHeader, signBody(w.Secret, d.Payload))
	}
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func bodyMAC(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

func signBody(secret string, body []byte) string {
	return hex.EncodeToString(bodyMAC(secret, body))
}

// ValidSignature reports whether sig, as sent in SignatureHeader, matches
// body under secret. Receivers call it before trusting a delivery.
func ValidSignature(secret string, body []byte, sig string) bool {
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, bodyMAC(secret, body))
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
