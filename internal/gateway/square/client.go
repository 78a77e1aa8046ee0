package square

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parking-service/internal/config"
	"parking-service/internal/domain/payment"
)

const (
	terminalCheckoutsPath = "/v2/terminals/checkouts"
	paymentLinksPath      = "/v2/online-checkout/payment-links"
)

// Client creates terminal checkouts and payment links on a Square-compatible
// gateway.
type Client struct {
	baseURL    string
	token      string
	apiVersion string
	locationID string
	linkName   string
	http       *http.Client
	log        zerolog.Logger
}

func New(cfg config.SquareConfig, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:      strings.TrimSpace(cfg.AccessToken),
		apiVersion: cfg.APIVersion,
		locationID: cfg.LocationID,
		linkName:   cfg.LinkName,
		http:       &http.Client{Timeout: timeout},
		log:        log,
	}
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Category   string
	Code       string
	Detail     string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("square: status %d", e.StatusCode)
	}
	return fmt.Sprintf("square: status %d: %s: %s", e.StatusCode, e.Code, e.Detail)
}

type money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type terminalCheckoutRequest struct {
	IdempotencyKey string           `json:"idempotency_key"`
	Checkout       terminalCheckout `json:"checkout"`
}

type terminalCheckout struct {
	ID            string        `json:"id,omitempty"`
	AmountMoney   money         `json:"amount_money"`
	ReferenceID   string        `json:"reference_id,omitempty"`
	Note          string        `json:"note,omitempty"`
	OrderID       string        `json:"order_id,omitempty"`
	Status        string        `json:"status,omitempty"`
	DeviceOptions deviceOptions `json:"device_options"`
}

type deviceOptions struct {
	DeviceID string `json:"device_id"`
}

type terminalCheckoutResponse struct {
	Checkout terminalCheckout `json:"checkout"`
}

type paymentLinkRequest struct {
	IdempotencyKey string   `json:"idempotency_key"`
	QuickPay       quickPay `json:"quick_pay"`
	PaymentNote    string   `json:"payment_note,omitempty"`
}

type quickPay struct {
	Name       string `json:"name"`
	PriceMoney money  `json:"price_money"`
	LocationID string `json:"location_id"`
}

type paymentLinkResponse struct {
	PaymentLink struct {
		ID      string `json:"id"`
		OrderID string `json:"order_id"`
		URL     string `json:"url"`
		LongURL string `json:"long_url"`
	} `json:"payment_link"`
}

type errorResponse struct {
	Errors []struct {
		Category string `json:"category"`
		Code     string `json:"code"`
		Detail   string `json:"detail"`
	} `json:"errors"`
}

func (c *Client) CreateTerminalCheckout(ctx context.Context, req payment.TerminalRequest) (*payment.TerminalCheckout, error) {
	body := terminalCheckoutRequest{
		IdempotencyKey: uuid.NewString(),
		Checkout: terminalCheckout{
			AmountMoney:   money{Amount: req.AmountCents, Currency: req.Currency},
			ReferenceID:   strconv.FormatInt(req.SessionID, 10),
			Note:          req.Description,
			DeviceOptions: deviceOptions{DeviceID: req.DeviceID},
		},
	}

	var resp terminalCheckoutResponse
	if err := c.post(ctx, terminalCheckoutsPath, body, &resp); err != nil {
		return nil, err
	}
	if resp.Checkout.ID == "" {
		return nil, fmt.Errorf("square: terminal checkout response has no id")
	}

	c.log.Info().
		Int64("session_id", req.SessionID).
		Str("checkout_id", resp.Checkout.ID).
		Str("device_id", req.DeviceID).
		Int64("amount_cents", req.AmountCents).
		Msg("terminal checkout created")

	return &payment.TerminalCheckout{
		CheckoutID:  resp.Checkout.ID,
		OrderID:     resp.Checkout.OrderID,
		ReferenceID: resp.Checkout.ReferenceID,
		DeviceID:    resp.Checkout.DeviceOptions.DeviceID,
		Status:      checkoutStatus(resp.Checkout.Status),
	}, nil
}

func (c *Client) CreatePaymentLink(ctx context.Context, req payment.LinkRequest) (*payment.PaymentLink, error) {
	locationID := req.LocationID
	if locationID == "" {
		locationID = c.locationID
	}
	name := c.linkName
	if name == "" {
		name = req.Description
	}
	body := paymentLinkRequest{
		IdempotencyKey: uuid.NewString(),
		QuickPay: quickPay{
			Name:       name,
			PriceMoney: money{Amount: req.AmountCents, Currency: req.Currency},
			LocationID: locationID,
		},
		PaymentNote: req.Description,
	}

	var resp paymentLinkResponse
	if err := c.post(ctx, paymentLinksPath, body, &resp); err != nil {
		return nil, err
	}
	link := resp.PaymentLink
	url := link.URL
	if url == "" {
		url = link.LongURL
	}
	if link.ID == "" || url == "" {
		return nil, fmt.Errorf("square: payment link response is incomplete")
	}

	c.log.Info().
		Int64("session_id", req.SessionID).
		Str("payment_link_id", link.ID).
		Str("order_id", link.OrderID).
		Int64("amount_cents", req.AmountCents).
		Msg("payment link created")

	return &payment.PaymentLink{
		PaymentLinkID: link.ID,
		OrderID:       link.OrderID,
		URL:           url,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiVersion != "" {
		req.Header.Set("Square-Version", c.apiVersion)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("square: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("square: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var er errorResponse
		if json.Unmarshal(raw, &er) == nil && len(er.Errors) > 0 {
			apiErr.Category = er.Errors[0].Category
			apiErr.Code = er.Errors[0].Code
			apiErr.Detail = er.Errors[0].Detail
		}
		return apiErr
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("square: decode response: %w", err)
	}
	return nil
}

// checkoutStatus maps a terminal checkout status onto payment statuses.
func checkoutStatus(s string) payment.Status {
	switch strings.ToUpper(s) {
	case "PENDING", "IN_PROGRESS", "CANCEL_REQUESTED":
		return payment.StatusPending
	}
	return payment.ParseStatus(s)
}
