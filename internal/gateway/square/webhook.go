package square

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"strings"
	"time"

	"parking-service/internal/domain/payment"
)

const (
	SignatureHeader       = "x-square-hmacsha256-signature"
	LegacySignatureHeader = "x-square-signature"
)

var (
	ErrIgnoredEvent     = errors.New("square: event type ignored")
	ErrInvalidSignature = errors.New("square: invalid webhook signature")
	ErrInvalidPayload   = errors.New("square: invalid webhook payload")
)

// Verifier checks webhook signatures: base64 HMAC over the notification URL
// followed by the raw body.
type Verifier struct {
	key             string
	notificationURL string
}

func NewVerifier(signatureKey, notificationURL string) *Verifier {
	return &Verifier{key: strings.TrimSpace(signatureKey), notificationURL: notificationURL}
}

// Enabled reports whether a signature key is configured.
func (v *Verifier) Enabled() bool {
	return v != nil && v.key != ""
}

// Verify accepts the body if its signature matches for the configured
// notification URL or any of the fallback URLs. The SHA-256 header is
// preferred; the legacy SHA-1 header is checked only when it is absent.
func (v *Verifier) Verify(body []byte, headers http.Header, fallbackURLs ...string) error {
	sig := strings.TrimSpace(headers.Get(SignatureHeader))
	newHash := sha256.New
	if sig == "" {
		sig = strings.TrimSpace(headers.Get(LegacySignatureHeader))
		newHash = sha1.New
	}
	if sig == "" {
		return fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}

	urls := append([]string{v.notificationURL}, fallbackURLs...)
	for _, u := range urls {
		if u == "" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(sign(newHash, v.key, u, body))) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func sign(newHash func() hash.Hash, key, url string, body []byte) string {
	mac := hmac.New(newHash, []byte(key))
	_, _ = mac.Write([]byte(url))
	_, _ = mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type webhookEvent struct {
	MerchantID string `json:"merchant_id"`
	Type       string `json:"type"`
	EventID    string `json:"event_id"`
	CreatedAt  string `json:"created_at"`
	Data       struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Object struct {
			Payment *webhookPayment `json:"payment"`
		} `json:"object"`
	} `json:"data"`
}

type webhookPayment struct {
	ID                 string `json:"id"`
	OrderID            string `json:"order_id"`
	TerminalCheckoutID string `json:"terminal_checkout_id"`
	ReferenceID        string `json:"reference_id"`
	LocationID         string `json:"location_id"`
	Status             string `json:"status"`
	SourceType         string `json:"source_type"`
	ReceiptURL         string `json:"receipt_url"`
	UpdatedAt          string `json:"updated_at"`
	AmountMoney        *money `json:"amount_money"`
	TotalMoney         *money `json:"total_money"`
	CardDetails        *struct {
		EntryMethod string `json:"entry_method"`
	} `json:"card_details"`
}

// ParseEvent decodes a payment.created or payment.updated notification.
// Other event types return ErrIgnoredEvent.
func ParseEvent(body []byte) (*payment.StatusEvent, error) {
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	kind := payment.EventKind(strings.TrimSpace(ev.Type))
	switch kind {
	case payment.EventCreated, payment.EventUpdated:
	default:
		return nil, fmt.Errorf("%w: %q", ErrIgnoredEvent, ev.Type)
	}

	p := ev.Data.Object.Payment
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return nil, fmt.Errorf("%w: payment object missing", ErrInvalidPayload)
	}

	snap := payment.Snapshot{
		GatewayPaymentID: p.ID,
		OrderID:          p.OrderID,
		CheckoutID:       p.TerminalCheckoutID,
		ReferenceID:      p.ReferenceID,
		LocationID:       p.LocationID,
		Status:           payment.ParseStatus(p.Status),
		SourceType:       p.SourceType,
		ReceiptURL:       p.ReceiptURL,
	}
	amount := p.TotalMoney
	if amount == nil {
		amount = p.AmountMoney
	}
	if amount != nil {
		snap.AmountCents = amount.Amount
		snap.Currency = amount.Currency
	}
	if p.CardDetails != nil {
		snap.EntryMethod = p.CardDetails.EntryMethod
	}
	if t, err := time.Parse(time.RFC3339, p.UpdatedAt); err == nil {
		snap.UpdatedAt = t
	}

	return &payment.StatusEvent{
		EventID:  ev.EventID,
		Kind:     kind,
		Snapshot: snap,
		Raw:      body,
	}, nil
}
