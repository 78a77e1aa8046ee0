package square

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parking-service/internal/config"
	"parking-service/internal/domain/payment"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.SquareConfig{
		BaseURL:     srv.URL + "/",
		AccessToken: "token-1",
		APIVersion:  "2024-07-17",
		LocationID:  "LOC1",
		LinkName:    "Parking Fee",
		Timeout:     2 * time.Second,
	}, zerolog.Nop())
}

func TestCreateTerminalCheckout(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, terminalCheckoutsPath, r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "2024-07-17", r.Header.Get("Square-Version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"checkout":{"id":"chk_1","reference_id":"42","status":"PENDING","order_id":"ord_1","amount_money":{"amount":200,"currency":"USD"},"device_options":{"device_id":"dev-1"}}}`))
	})

	out, err := c.CreateTerminalCheckout(context.Background(), payment.TerminalRequest{
		SessionID:   42,
		AmountCents: 200,
		Currency:    "USD",
		Description: "Parking Fee 0001/ABC123",
		DeviceID:    "dev-1",
	})
	require.NoError(t, err)
	assert.Equal(t, &payment.TerminalCheckout{
		CheckoutID:  "chk_1",
		OrderID:     "ord_1",
		ReferenceID: "42",
		DeviceID:    "dev-1",
		Status:      payment.StatusPending,
	}, out)

	assert.NotEmpty(t, got["idempotency_key"])
	checkout := got["checkout"].(map[string]any)
	assert.Equal(t, "42", checkout["reference_id"])
	assert.Equal(t, map[string]any{"amount": float64(200), "currency": "USD"}, checkout["amount_money"])
	assert.Equal(t, map[string]any{"device_id": "dev-1"}, checkout["device_options"])
}

func TestCreatePaymentLink(t *testing.T) {
	var got paymentLinkRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, paymentLinksPath, r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"payment_link":{"id":"pl_1","order_id":"ord_9","url":"https://square.link/u/abc","long_url":"https://checkout/long"}}`))
	})

	out, err := c.CreatePaymentLink(context.Background(), payment.LinkRequest{
		SessionID:   42,
		AmountCents: 450,
		Currency:    "USD",
		Description: "Parking Fee 0001/ABC123",
	})
	require.NoError(t, err)
	assert.Equal(t, "pl_1", out.PaymentLinkID)
	assert.Equal(t, "ord_9", out.OrderID)
	assert.Equal(t, "https://square.link/u/abc", out.URL)

	assert.Equal(t, "LOC1", got.QuickPay.LocationID)
	assert.Equal(t, "Parking Fee", got.QuickPay.Name)
	assert.Equal(t, money{Amount: 450, Currency: "USD"}, got.QuickPay.PriceMoney)
	assert.Equal(t, "Parking Fee 0001/ABC123", got.PaymentNote)
}

func TestGatewayErrorCarriesDetail(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errors":[{"category":"INVALID_REQUEST_ERROR","code":"NOT_FOUND","detail":"Device not found"}]}`))
	})

	_, err := c.CreateTerminalCheckout(context.Background(), payment.TerminalRequest{SessionID: 1, AmountCents: 1, DeviceID: "x"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
	assert.Contains(t, err.Error(), "Device not found")
}

func TestClientHonoursContextDeadline(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.CreatePaymentLink(ctx, payment.LinkRequest{SessionID: 1, AmountCents: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCheckoutStatus(t *testing.T) {
	assert.Equal(t, payment.StatusPending, checkoutStatus("IN_PROGRESS"))
	assert.Equal(t, payment.StatusPending, checkoutStatus("CANCEL_REQUESTED"))
	assert.Equal(t, payment.StatusCompleted, checkoutStatus("COMPLETED"))
	assert.Equal(t, payment.StatusCanceled, checkoutStatus("CANCELED"))
}
