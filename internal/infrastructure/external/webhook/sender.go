// Package webhook posts notification events to an external audit endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/trafficops/offense-workflow/internal/domain/event"
)

// Signature headers sent with every delivery
const (
	HeaderTimestamp = "X-Workflow-Timestamp"
	HeaderNonce     = "X-Workflow-Nonce"
	HeaderSignature = "X-Workflow-Signature"
	HeaderEventType = "X-Workflow-Event"
)

// Config holds webhook configuration
type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// Sender delivers events over HTTP
type Sender struct {
	config Config
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
	// propagator carries the request's trace context to the receiver
	propagator propagation.TextMapPropagator
}

// NewSender creates a new webhook sender
func NewSender(config Config, logger *zap.Logger) *Sender {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &Sender{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger:     logger,
		now:        time.Now,
		propagator: otel.GetTextMapPropagator(),
	}
}

// Send posts evt as JSON. Any non-2xx response is an error.
func (s *Sender) Send(ctx context.Context, evt *event.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	timestamp := strconv.FormatInt(s.now().Unix(), 10)
	nonce := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderEventType, evt.Type.String())
	if s.config.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(timestamp, nonce, s.config.Secret, body))
	}
	s.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}

	s.logger.Debug("Event delivered to webhook",
		zap.String("event_type", evt.Type.String()),
		zap.String("event_id", evt.ID),
		zap.Int("status", resp.StatusCode))
	return nil
}

// Sign computes the hex sha256 of timestamp + nonce + secret + body
func Sign(timestamp, nonce, secret string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write([]byte(secret))
	h.Write(body)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Verify checks a delivery signature; receivers use it to authenticate calls
func Verify(timestamp, nonce, secret, signature string, body []byte) bool {
	expected := Sign(timestamp, nonce, secret, body)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
