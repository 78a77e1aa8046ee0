package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"parking-service/internal/domain/parking"
)

var ErrMalformed = errors.New("malformed device message")

// cameraMessage is a detection as published by a lot camera. Entry and exit
// messages share the envelope and differ in the prefixed fields.
type cameraMessage struct {
	MessageID string `json:"message_id"`
	EventType string `json:"event_type"`
	Action    string `json:"action"`
	Timestamp string `json:"timestamp"`

	EntryPlateNumber    string   `json:"entry_plate_number"`
	EntryCameraIP       string   `json:"entry_camera_ip"`
	EntryCameraID       *int     `json:"entry_camera_id"`
	EntryCameraName     string   `json:"entry_camera_name"`
	EntryEventID        *int     `json:"entry_event_id"`
	EntryDetectionCount *int     `json:"entry_detection_count"`
	EntryWeight         *float64 `json:"entry_weight"`
	EntrySnapshot       string   `json:"entry_snapshot"`

	ExitPlateNumber    string   `json:"exit_plate_number"`
	ExitCameraIP       string   `json:"exit_camera_ip"`
	ExitCameraID       *int     `json:"exit_camera_id"`
	ExitCameraName     string   `json:"exit_camera_name"`
	ExitEventID        *int     `json:"exit_event_id"`
	ExitDetectionCount *int     `json:"exit_detection_count"`
	ExitWeight         *float64 `json:"exit_weight"`
	ExitSnapshot       string   `json:"exit_snapshot"`

	PaymentDeviceID     string `json:"payment_device_id"`
	LedScreenConfig     string `json:"led_screen_config"`
	BarrierGateID       string `json:"barrier_gate_id"`
	ExitPaymentDeviceID string `json:"exit_payment_device_id"`
	ExitLedScreenConfig string `json:"exit_led_screen_config"`
	ExitBarrierGateID   string `json:"exit_barrier_gate_id"`

	BackupChannelID json.RawMessage `json:"backup_channel_id"`
}

// decodeCamera turns a camera payload into a lifecycle event for lot.
func decodeCamera(lot string, payload []byte, receivedAt time.Time) (parking.Event, error) {
	var m cameraMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return parking.Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	dir, ok := parking.ParseDirection(strings.ToLower(strings.TrimSpace(m.EventType)))
	if !ok {
		return parking.Event{}, fmt.Errorf("%w: unknown event_type %q", ErrMalformed, m.EventType)
	}

	ev := parking.Event{
		LotCode:    lot,
		Direction:  dir,
		Timestamp:  strings.TrimSpace(m.Timestamp),
		ReceivedAt: receivedAt,
	}
	channel := gateChannel(m.BackupChannelID)

	switch dir {
	case parking.DirectionEntry:
		ev.Plate = m.EntryPlateNumber
		ev.Snapshot = m.EntrySnapshot
		ev.Meta = parking.CameraMeta{
			CameraIP:       m.EntryCameraIP,
			CameraID:       m.EntryCameraID,
			CameraName:     m.EntryCameraName,
			EventID:        m.EntryEventID,
			DetectionCount: m.EntryDetectionCount,
			Weight:         m.EntryWeight,
			Action:         m.Action,
		}
		ev.Bindings = parking.Bindings{
			PaymentDeviceID: m.PaymentDeviceID,
			DisplayDeviceID: m.LedScreenConfig,
			GateID:          m.BarrierGateID,
			GateChannel:     channel,
		}
	case parking.DirectionExit:
		ev.Plate = m.ExitPlateNumber
		ev.Snapshot = m.ExitSnapshot
		ev.Meta = parking.CameraMeta{
			CameraIP:       m.ExitCameraIP,
			CameraID:       m.ExitCameraID,
			CameraName:     m.ExitCameraName,
			EventID:        m.ExitEventID,
			DetectionCount: m.ExitDetectionCount,
			Weight:         m.ExitWeight,
			Action:         m.Action,
		}
		ev.Bindings = parking.Bindings{
			PaymentDeviceID: firstNonEmpty(m.ExitPaymentDeviceID, m.PaymentDeviceID),
			DisplayDeviceID: firstNonEmpty(m.ExitLedScreenConfig, m.LedScreenConfig),
			GateID:          firstNonEmpty(m.ExitBarrierGateID, m.BarrierGateID),
			GateChannel:     channel,
		}
	}

	if strings.TrimSpace(ev.Plate) == "" {
		return parking.Event{}, fmt.Errorf("%w: %s message without plate", ErrMalformed, dir)
	}
	return ev, nil
}

// gateChannel reads backup_channel_id, which devices send as a number or a
// string. Anything unusable selects channel 1.
func gateChannel(raw json.RawMessage) int {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type displayRequest struct {
	PlateNumber  string `json:"plate_number"`
	DeviceConfig *struct {
		LedScreenConfig string `json:"led_screen_config"`
	} `json:"device_config"`
}

func decodeDisplayRequest(payload []byte) (plate, deviceID string, err error) {
	var m displayRequest
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.DeviceConfig != nil {
		deviceID = strings.TrimSpace(m.DeviceConfig.LedScreenConfig)
	}
	return strings.TrimSpace(m.PlateNumber), deviceID, nil
}
