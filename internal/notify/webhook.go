package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-DualCommit-Signature"

// Webhook posts events as JSON to a URL.
type Webhook struct {
	url    string
	secret []byte
	client *http.Client
}

// NewWebhook returns a Webhook for url. secret may be empty.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type envelope struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

func (w *Webhook) OnDecision(ctx context.Context, ev DecisionEvent) error {
	return w.post(ctx, "decision", ev)
}

func (w *Webhook) OnProposal(ctx context.Context, ev ProposalEvent) error {
	return w.post(ctx, "proposal."+string(ev.Kind), ev)
}

func (w *Webhook) post(ctx context.Context, typ string, data any) error {
	body, err := json.Marshal(envelope{ID: uuid.NewString(), Type: typ, At: time.Now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", typ, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(w.secret) > 0 {
		mac := hmac.New(sha256.New, w.secret)
		mac.Write(body)
		req.Header.Set(SignatureHeader, hex.EncodeToString(mac.Sum(nil)))
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post %s: %w", typ, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: post %s: status %d", typ, resp.StatusCode)
	}
	return nil
}
