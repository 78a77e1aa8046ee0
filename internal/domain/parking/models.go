package parking

import (
	"time"
)

type Direction string

const (
	DirectionEntry Direction = "entry"
	DirectionExit  Direction = "exit"
)

func ParseDirection(s string) (Direction, bool) {
	switch Direction(s) {
	case DirectionEntry, DirectionExit:
		return Direction(s), true
	}
	return "", false
}

type Status string

const (
	StatusEntered  Status = "entered"
	StatusExited   Status = "exited"
	StatusExitOnly Status = "exit_only"
)

type PaymentStatus string

const (
	PaymentUnset   PaymentStatus = "unset"
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

// CameraMeta is the per-direction detection metadata reported by the camera.
type CameraMeta struct {
	CameraIP       string   `json:"camera_ip,omitempty"`
	CameraID       *int     `json:"camera_id,omitempty"`
	CameraName     string   `json:"camera_name,omitempty"`
	EventID        *int     `json:"event_id,omitempty"`
	DetectionCount *int     `json:"detection_count,omitempty"`
	Weight         *float64 `json:"weight,omitempty"`
	Action         string   `json:"action,omitempty"`
}

type Detection struct {
	Plate          string     `json:"plate"`
	Time           time.Time  `json:"time"`
	EventTimestamp string     `json:"event_timestamp,omitempty"`
	Snapshot       string     `json:"snapshot,omitempty"`
	Meta           CameraMeta `json:"meta"`
}

// Bindings are the device addresses that govern actuation for a session.
type Bindings struct {
	PaymentDeviceID string `json:"payment_device_id,omitempty"`
	DisplayDeviceID string `json:"display_device_id,omitempty"`
	GateID          string `json:"gate_id,omitempty"`
	GateChannel     int    `json:"gate_channel,omitempty"`
}

// Overlay returns b with every binding that next carries replacing the old one.
func (b Bindings) Overlay(next Bindings) Bindings {
	if next.PaymentDeviceID != "" {
		b.PaymentDeviceID = next.PaymentDeviceID
	}
	if next.DisplayDeviceID != "" {
		b.DisplayDeviceID = next.DisplayDeviceID
	}
	if next.GateID != "" {
		b.GateID = next.GateID
	}
	if next.GateChannel > 0 {
		b.GateChannel = next.GateChannel
	}
	return b
}

type Session struct {
	ID               int64         `json:"id"`
	LotCode          string        `json:"lot_code"`
	PlateKey         string        `json:"plate_key"`
	Status           Status        `json:"status"`
	Entry            *Detection    `json:"entry,omitempty"`
	Exit             *Detection    `json:"exit,omitempty"`
	DwellSeconds     *int64        `json:"dwell_seconds,omitempty"`
	BilledMinutes    *int64        `json:"billed_minutes,omitempty"`
	FeeCents         *int64        `json:"fee_cents,omitempty"`
	PaymentStatus    PaymentStatus `json:"payment_status"`
	PaymentURL       string        `json:"payment_url,omitempty"`
	GatewayPaymentID string        `json:"gateway_payment_id,omitempty"`
	PaidAt           *time.Time    `json:"paid_at,omitempty"`
	Bindings         Bindings      `json:"bindings"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// DisplayPlate is the plate shown on screens: the exit read when present.
func (s *Session) DisplayPlate() string {
	if s.Exit != nil && s.Exit.Plate != "" {
		return s.Exit.Plate
	}
	if s.Entry != nil {
		return s.Entry.Plate
	}
	return s.PlateKey
}

// Event is a decoded inbound device detection.
type Event struct {
	LotCode    string     `json:"lot_code"`
	Direction  Direction  `json:"direction"`
	Plate      string     `json:"plate"`
	Timestamp  string     `json:"timestamp"`
	Snapshot   string     `json:"snapshot,omitempty"`
	Meta       CameraMeta `json:"meta"`
	Bindings   Bindings   `json:"bindings"`
	ReceivedAt time.Time  `json:"received_at"`
}

type SessionFilter struct {
	LotCode  string
	PlateKey string
	Status   Status
	Limit    int
	Offset   int
}

type SessionStats struct {
	Total          int64 `json:"total"`
	Entered        int64 `json:"entered"`
	Exited         int64 `json:"exited"`
	ExitOnly       int64 `json:"exit_only"`
	PaymentPending int64 `json:"payment_pending"`
	Paid           int64 `json:"paid"`
	PaidCents      int64 `json:"paid_cents"`
}
