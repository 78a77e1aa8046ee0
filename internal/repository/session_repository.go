package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"parking-service/internal/domain/parking"
)

type VehicleSession struct {
	ID               int64          `gorm:"column:id;primaryKey"`
	LotCode          string         `gorm:"column:lot_code;not null"`
	PlateKey         string         `gorm:"column:plate_key;not null"`
	Status           string         `gorm:"column:status;not null"`
	EntryPlate       *string        `gorm:"column:entry_plate"`
	EntryTime        *time.Time     `gorm:"column:entry_time"`
	EntryEventTS     *string        `gorm:"column:entry_event_ts"`
	EntrySnapshot    *string        `gorm:"column:entry_snapshot"`
	EntryMeta        datatypes.JSON `gorm:"column:entry_meta"`
	ExitPlate        *string        `gorm:"column:exit_plate"`
	ExitTime         *time.Time     `gorm:"column:exit_time"`
	ExitEventTS      *string        `gorm:"column:exit_event_ts"`
	ExitSnapshot     *string        `gorm:"column:exit_snapshot"`
	ExitMeta         datatypes.JSON `gorm:"column:exit_meta"`
	DwellSeconds     *int64         `gorm:"column:dwell_seconds"`
	BilledMinutes    *int64         `gorm:"column:billed_minutes"`
	FeeCents         *int64         `gorm:"column:fee_cents"`
	PaymentStatus    string         `gorm:"column:payment_status;not null"`
	PaymentURL       *string        `gorm:"column:payment_url"`
	GatewayPaymentID *string        `gorm:"column:gateway_payment_id"`
	PaidAt           *time.Time     `gorm:"column:paid_at"`
	PaymentDeviceID  *string        `gorm:"column:payment_device_id"`
	DisplayDeviceID  *string        `gorm:"column:display_device_id"`
	GateID           *string        `gorm:"column:gate_id"`
	GateChannel      int            `gorm:"column:gate_channel"`
	CreatedAt        time.Time      `gorm:"column:created_at"`
	UpdatedAt        time.Time      `gorm:"column:updated_at"`
}

func (VehicleSession) TableName() string { return "vehicle_sessions" }

const openSessionConflict = `ON CONFLICT (lot_code, plate_key, status) WHERE status IN ('entered', 'exit_only')`

func (r *Repository) FindOpenSession(ctx context.Context, lot, plateKey string, status parking.Status) (*parking.Session, error) {
	var row VehicleSession
	err := r.db.WithContext(ctx).
		Where("lot_code = ? AND plate_key = ? AND status = ?", lot, plateKey, string(status)).
		Order("id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

// Lookup loads the open entered and exit_only sessions for a key.
func (r *Repository) Lookup(ctx context.Context, lot, plateKey string) (parking.Lookup, error) {
	entered, err := r.FindOpenSession(ctx, lot, plateKey, parking.StatusEntered)
	if err != nil {
		return parking.Lookup{}, fmt.Errorf("find entered session: %w", err)
	}
	exitOnly, err := r.FindOpenSession(ctx, lot, plateKey, parking.StatusExitOnly)
	if err != nil {
		return parking.Lookup{}, fmt.Errorf("find exit_only session: %w", err)
	}
	return parking.Lookup{Entered: entered, ExitOnly: exitOnly}, nil
}

// UpsertEntry creates the entered session for the key, or overwrites the
// entry fields of the one that already exists.
func (r *Repository) UpsertEntry(ctx context.Context, lot, plateKey string, d parking.Detection, b parking.Bindings, now time.Time) (*parking.Session, error) {
	meta, err := json.Marshal(d.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode entry meta: %w", err)
	}
	err = r.db.WithContext(ctx).Exec(`
		INSERT INTO vehicle_sessions (
			lot_code, plate_key, status, entry_plate, entry_time, entry_event_ts, entry_snapshot, entry_meta,
			payment_status, payment_device_id, display_device_id, gate_id, gate_channel, created_at, updated_at
		) VALUES (?, ?, 'entered', ?, ?, ?, ?, ?, 'unset', ?, ?, ?, ?, ?, ?)
		`+openSessionConflict+` DO UPDATE SET
			entry_plate = excluded.entry_plate,
			entry_time = excluded.entry_time,
			entry_event_ts = excluded.entry_event_ts,
			entry_snapshot = excluded.entry_snapshot,
			entry_meta = excluded.entry_meta,
			payment_device_id = excluded.payment_device_id,
			display_device_id = excluded.display_device_id,
			gate_id = excluded.gate_id,
			gate_channel = excluded.gate_channel,
			updated_at = excluded.updated_at`,
		lot, plateKey, d.Plate, d.Time, strPtr(d.EventTimestamp), strPtr(d.Snapshot), datatypes.JSON(meta),
		strPtr(b.PaymentDeviceID), strPtr(b.DisplayDeviceID), strPtr(b.GateID), b.GateChannel, now, now,
	).Error
	if err != nil {
		return nil, fmt.Errorf("upsert entry: %w", err)
	}
	return r.mustFindOpen(ctx, lot, plateKey, parking.StatusEntered)
}

// UpsertExitOnly creates the exit_only session for the key, or overwrites the
// exit fields of the existing one.
func (r *Repository) UpsertExitOnly(ctx context.Context, lot, plateKey string, d parking.Detection, b parking.Bindings, now time.Time) (*parking.Session, error) {
	meta, err := json.Marshal(d.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode exit meta: %w", err)
	}
	err = r.db.WithContext(ctx).Exec(`
		INSERT INTO vehicle_sessions (
			lot_code, plate_key, status, exit_plate, exit_time, exit_event_ts, exit_snapshot, exit_meta,
			payment_status, payment_device_id, display_device_id, gate_id, gate_channel, created_at, updated_at
		) VALUES (?, ?, 'exit_only', ?, ?, ?, ?, ?, 'unset', ?, ?, ?, ?, ?, ?)
		`+openSessionConflict+` DO UPDATE SET
			exit_plate = excluded.exit_plate,
			exit_time = excluded.exit_time,
			exit_event_ts = excluded.exit_event_ts,
			exit_snapshot = excluded.exit_snapshot,
			exit_meta = excluded.exit_meta,
			payment_device_id = excluded.payment_device_id,
			display_device_id = excluded.display_device_id,
			gate_id = excluded.gate_id,
			gate_channel = excluded.gate_channel,
			updated_at = excluded.updated_at`,
		lot, plateKey, d.Plate, d.Time, strPtr(d.EventTimestamp), strPtr(d.Snapshot), datatypes.JSON(meta),
		strPtr(b.PaymentDeviceID), strPtr(b.DisplayDeviceID), strPtr(b.GateID), b.GateChannel, now, now,
	).Error
	if err != nil {
		return nil, fmt.Errorf("upsert exit_only: %w", err)
	}
	return r.mustFindOpen(ctx, lot, plateKey, parking.StatusExitOnly)
}

type ExitUpdate struct {
	Detection     parking.Detection
	Bindings      parking.Bindings
	DwellSeconds  *int64
	BilledMinutes *int64
	FeeCents      *int64
}

// CompleteExit moves an entered session to exited. It returns ErrConflict if
// the session is no longer entered.
func (r *Repository) CompleteExit(ctx context.Context, id int64, u ExitUpdate, now time.Time) (*parking.Session, error) {
	meta, err := json.Marshal(u.Detection.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode exit meta: %w", err)
	}
	res := r.db.WithContext(ctx).Exec(`
		UPDATE vehicle_sessions SET
			status = 'exited',
			exit_plate = ?, exit_time = ?, exit_event_ts = ?, exit_snapshot = ?, exit_meta = ?,
			dwell_seconds = ?, billed_minutes = ?, fee_cents = ?,
			payment_device_id = ?, display_device_id = ?, gate_id = ?, gate_channel = ?,
			updated_at = ?
		WHERE id = ? AND status = 'entered'`,
		u.Detection.Plate, u.Detection.Time, strPtr(u.Detection.EventTimestamp), strPtr(u.Detection.Snapshot), datatypes.JSON(meta),
		u.DwellSeconds, u.BilledMinutes, u.FeeCents,
		strPtr(u.Bindings.PaymentDeviceID), strPtr(u.Bindings.DisplayDeviceID), strPtr(u.Bindings.GateID), u.Bindings.GateChannel,
		now, id,
	)
	if res.Error != nil {
		return nil, fmt.Errorf("complete exit: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: session %d is no longer entered", ErrConflict, id)
	}
	return r.GetSession(ctx, id)
}

// MarkPaymentPending records an initiated payment. It never moves a paid
// session backwards; the URL is kept when url is empty.
func (r *Repository) MarkPaymentPending(ctx context.Context, id int64, url string, now time.Time) error {
	return r.db.WithContext(ctx).Exec(`
		UPDATE vehicle_sessions SET
			payment_status = CASE WHEN payment_status = 'unset' THEN 'pending' ELSE payment_status END,
			payment_url = COALESCE(?, payment_url),
			updated_at = ?
		WHERE id = ?`,
		strPtr(url), now, id,
	).Error
}

// MarkPaid sets the session paid once. The bool reports whether this call
// made the change.
func (r *Repository) MarkPaid(ctx context.Context, id int64, gatewayPaymentID string, paidAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Exec(`
		UPDATE vehicle_sessions SET
			payment_status = 'paid',
			paid_at = ?,
			gateway_payment_id = COALESCE(?, gateway_payment_id),
			updated_at = ?
		WHERE id = ? AND payment_status <> 'paid'`,
		paidAt, strPtr(gatewayPaymentID), paidAt, id,
	)
	if res.Error != nil {
		return false, fmt.Errorf("mark paid: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *Repository) GetSession(ctx context.Context, id int64) (*parking.Session, error) {
	var row VehicleSession
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: session %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

// LatestExited returns the most recently exited session on the lot, optionally
// restricted to a plate key.
func (r *Repository) LatestExited(ctx context.Context, lot, plateKey string) (*parking.Session, error) {
	q := r.db.WithContext(ctx).Where("lot_code = ? AND status = ?", lot, string(parking.StatusExited))
	if plateKey != "" {
		q = q.Where("plate_key = ?", plateKey)
	}
	var row VehicleSession
	err := q.Order("exit_time DESC").Order("id DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no exited session on lot %s", ErrNotFound, lot)
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (r *Repository) ListSessions(ctx context.Context, f parking.SessionFilter) ([]parking.Session, error) {
	q := r.db.WithContext(ctx).Model(&VehicleSession{})
	if f.LotCode != "" {
		q = q.Where("lot_code = ?", f.LotCode)
	}
	if f.PlateKey != "" {
		q = q.Where("plate_key = ?", f.PlateKey)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var rows []VehicleSession
	if err := q.Order("id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]parking.Session, 0, len(rows))
	for _, row := range rows {
		s, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

// SessionStats counts sessions by status and payment status. An empty lot
// counts every lot.
func (r *Repository) SessionStats(ctx context.Context, lot string) (*parking.SessionStats, error) {
	var rows []struct {
		Status        string
		PaymentStatus string
		Count         int64
		FeeCents      int64
	}
	q := r.db.WithContext(ctx).Model(&VehicleSession{}).
		Select("status, payment_status, COUNT(*) AS count, COALESCE(SUM(fee_cents), 0) AS fee_cents")
	if lot != "" {
		q = q.Where("lot_code = ?", lot)
	}
	if err := q.Group("status, payment_status").Scan(&rows).Error; err != nil {
		return nil, err
	}

	stats := &parking.SessionStats{}
	for _, row := range rows {
		stats.Total += row.Count
		switch parking.Status(row.Status) {
		case parking.StatusEntered:
			stats.Entered += row.Count
		case parking.StatusExited:
			stats.Exited += row.Count
		case parking.StatusExitOnly:
			stats.ExitOnly += row.Count
		}
		switch parking.PaymentStatus(row.PaymentStatus) {
		case parking.PaymentPending:
			stats.PaymentPending += row.Count
		case parking.PaymentPaid:
			stats.Paid += row.Count
			stats.PaidCents += row.FeeCents
		}
	}
	return stats, nil
}

func (r *Repository) mustFindOpen(ctx context.Context, lot, plateKey string, status parking.Status) (*parking.Session, error) {
	s, err := r.FindOpenSession(ctx, lot, plateKey, status)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s session for %s/%s vanished after upsert", ErrConflict, status, lot, plateKey)
	}
	return s, nil
}

func (row VehicleSession) toDomain() (*parking.Session, error) {
	s := &parking.Session{
		ID:               row.ID,
		LotCode:          row.LotCode,
		PlateKey:         row.PlateKey,
		Status:           parking.Status(row.Status),
		DwellSeconds:     row.DwellSeconds,
		BilledMinutes:    row.BilledMinutes,
		FeeCents:         row.FeeCents,
		PaymentStatus:    parking.PaymentStatus(row.PaymentStatus),
		PaymentURL:       str(row.PaymentURL),
		GatewayPaymentID: str(row.GatewayPaymentID),
		PaidAt:           row.PaidAt,
		Bindings: parking.Bindings{
			PaymentDeviceID: str(row.PaymentDeviceID),
			DisplayDeviceID: str(row.DisplayDeviceID),
			GateID:          str(row.GateID),
			GateChannel:     row.GateChannel,
		},
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}

	if row.EntryTime != nil || row.EntryPlate != nil {
		d, err := detection(row.EntryPlate, row.EntryTime, row.EntryEventTS, row.EntrySnapshot, row.EntryMeta)
		if err != nil {
			return nil, fmt.Errorf("session %d entry: %w", row.ID, err)
		}
		s.Entry = d
	}
	if row.ExitTime != nil || row.ExitPlate != nil {
		d, err := detection(row.ExitPlate, row.ExitTime, row.ExitEventTS, row.ExitSnapshot, row.ExitMeta)
		if err != nil {
			return nil, fmt.Errorf("session %d exit: %w", row.ID, err)
		}
		s.Exit = d
	}
	return s, nil
}

func detection(plate *string, at *time.Time, eventTS, snapshot *string, meta datatypes.JSON) (*parking.Detection, error) {
	d := &parking.Detection{
		Plate:          str(plate),
		EventTimestamp: str(eventTS),
		Snapshot:       str(snapshot),
	}
	if at != nil {
		d.Time = *at
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &d.Meta); err != nil {
			return nil, fmt.Errorf("decode meta: %w", err)
		}
	}
	return d, nil
}
