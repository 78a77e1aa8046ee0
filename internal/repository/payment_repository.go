package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"parking-service/internal/domain/payment"
)

type PaymentIntent struct {
	ID               int64          `gorm:"column:id;primaryKey"`
	SessionID        *int64         `gorm:"column:session_id"`
	Channel          string         `gorm:"column:channel;not null"`
	Status           string         `gorm:"column:status;not null"`
	AmountCents      int64          `gorm:"column:amount_cents;not null"`
	Currency         *string        `gorm:"column:currency"`
	GatewayPaymentID *string        `gorm:"column:gateway_payment_id"`
	OrderID          *string        `gorm:"column:order_id"`
	CheckoutID       *string        `gorm:"column:checkout_id"`
	ReferenceID      *string        `gorm:"column:reference_id"`
	PaymentLinkID    *string        `gorm:"column:payment_link_id"`
	PaymentURL       *string        `gorm:"column:payment_url"`
	DeviceID         *string        `gorm:"column:device_id"`
	LocationID       *string        `gorm:"column:location_id"`
	ReceiptURL       *string        `gorm:"column:receipt_url"`
	SourceType       *string        `gorm:"column:source_type"`
	EntryMethod      *string        `gorm:"column:entry_method"`
	RawSnapshot      datatypes.JSON `gorm:"column:raw_snapshot"`
	Version          int64          `gorm:"column:version;not null"`
	CreatedAt        time.Time      `gorm:"column:created_at"`
	UpdatedAt        time.Time      `gorm:"column:updated_at"`
}

func (PaymentIntent) TableName() string { return "payment_intents" }

// IntentKey names a correlation column usable for lookups.
type IntentKey string

const (
	KeyCheckoutID       IntentKey = "checkout_id"
	KeyOrderID          IntentKey = "order_id"
	KeyGatewayPaymentID IntentKey = "gateway_payment_id"
)

func (r *Repository) FindIntentBy(ctx context.Context, key IntentKey, value string) (*payment.Intent, error) {
	switch key {
	case KeyCheckoutID, KeyOrderID, KeyGatewayPaymentID:
	default:
		return nil, fmt.Errorf("unsupported intent key %q", key)
	}
	if value == "" {
		return nil, nil
	}

	var row PaymentIntent
	err := r.db.WithContext(ctx).Where(string(key)+" = ?", value).Order("id ASC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	in := row.toDomain()
	return &in, nil
}

func (r *Repository) GetIntent(ctx context.Context, id int64) (*payment.Intent, error) {
	var row PaymentIntent
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: payment intent %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	in := row.toDomain()
	return &in, nil
}

// CreateIntent inserts a new intent and sets its ID. A clash on a correlation
// key is reported as ErrConflict.
func (r *Repository) CreateIntent(ctx context.Context, in *payment.Intent, raw []byte, now time.Time) error {
	row := fromIntent(*in)
	row.Version = 1
	row.CreatedAt = now
	row.UpdatedAt = now
	if len(raw) > 0 {
		row.RawSnapshot = datatypes.JSON(raw)
	}

	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: payment intent correlation key taken", ErrConflict)
		}
		return fmt.Errorf("create payment intent: %w", err)
	}
	*in = row.toDomain()
	return nil
}

// UpdateIntent writes in if its version is still current and bumps the version.
func (r *Repository) UpdateIntent(ctx context.Context, in *payment.Intent, raw []byte, now time.Time) error {
	row := fromIntent(*in)
	updates := map[string]interface{}{
		"session_id":         row.SessionID,
		"channel":            row.Channel,
		"status":             row.Status,
		"amount_cents":       row.AmountCents,
		"currency":           row.Currency,
		"gateway_payment_id": row.GatewayPaymentID,
		"order_id":           row.OrderID,
		"checkout_id":        row.CheckoutID,
		"reference_id":       row.ReferenceID,
		"payment_link_id":    row.PaymentLinkID,
		"payment_url":        row.PaymentURL,
		"device_id":          row.DeviceID,
		"location_id":        row.LocationID,
		"receipt_url":        row.ReceiptURL,
		"source_type":        row.SourceType,
		"entry_method":       row.EntryMethod,
		"version":            gorm.Expr("version + 1"),
		"updated_at":         now,
	}
	if len(raw) > 0 {
		updates["raw_snapshot"] = datatypes.JSON(raw)
	}

	res := r.db.WithContext(ctx).
		Model(&PaymentIntent{}).
		Where("id = ? AND version = ?", in.ID, in.Version).
		Updates(updates)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return fmt.Errorf("%w: payment intent correlation key taken", ErrConflict)
		}
		return fmt.Errorf("update payment intent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: payment intent %d version %d", ErrConflict, in.ID, in.Version)
	}
	in.Version++
	in.UpdatedAt = now
	return nil
}

// DeleteIntent removes an intent that was folded into another record. The
// delete is guarded by version like UpdateIntent.
func (r *Repository) DeleteIntent(ctx context.Context, id, version int64) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND version = ?", id, version).
		Delete(&PaymentIntent{})
	if res.Error != nil {
		return fmt.Errorf("delete payment intent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: payment intent %d version %d", ErrConflict, id, version)
	}
	return nil
}

func (r *Repository) ListIntentsForSession(ctx context.Context, sessionID int64) ([]payment.Intent, error) {
	var rows []PaymentIntent
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]payment.Intent, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func fromIntent(in payment.Intent) PaymentIntent {
	return PaymentIntent{
		ID:               in.ID,
		SessionID:        in.SessionID,
		Channel:          string(in.Channel),
		Status:           string(in.Status),
		AmountCents:      in.AmountCents,
		Currency:         strPtr(in.Currency),
		GatewayPaymentID: strPtr(in.GatewayPaymentID),
		OrderID:          strPtr(in.OrderID),
		CheckoutID:       strPtr(in.CheckoutID),
		ReferenceID:      strPtr(in.ReferenceID),
		PaymentLinkID:    strPtr(in.PaymentLinkID),
		PaymentURL:       strPtr(in.PaymentURL),
		DeviceID:         strPtr(in.DeviceID),
		LocationID:       strPtr(in.LocationID),
		ReceiptURL:       strPtr(in.ReceiptURL),
		SourceType:       strPtr(in.SourceType),
		EntryMethod:      strPtr(in.EntryMethod),
		Version:          in.Version,
		CreatedAt:        in.CreatedAt,
		UpdatedAt:        in.UpdatedAt,
	}
}

func (row PaymentIntent) toDomain() payment.Intent {
	return payment.Intent{
		ID:               row.ID,
		SessionID:        row.SessionID,
		Channel:          payment.Channel(row.Channel),
		Status:           payment.Status(row.Status),
		AmountCents:      row.AmountCents,
		Currency:         str(row.Currency),
		GatewayPaymentID: str(row.GatewayPaymentID),
		OrderID:          str(row.OrderID),
		CheckoutID:       str(row.CheckoutID),
		ReferenceID:      str(row.ReferenceID),
		PaymentLinkID:    str(row.PaymentLinkID),
		PaymentURL:       str(row.PaymentURL),
		DeviceID:         str(row.DeviceID),
		LocationID:       str(row.LocationID),
		ReceiptURL:       str(row.ReceiptURL),
		SourceType:       str(row.SourceType),
		EntryMethod:      str(row.EntryMethod),
		Version:          row.Version,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
}
