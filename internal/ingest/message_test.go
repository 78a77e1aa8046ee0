package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parking-service/internal/domain/parking"
)

func TestDecodeEntryMessage(t *testing.T) {
	payload := []byte(`{
		"message_id": "m-1",
		"event_type": "entry",
		"action": "entry_new",
		"timestamp": "2024-05-01 10:00:00",
		"entry_plate_number": "ABC-123",
		"entry_camera_ip": "10.0.0.7",
		"entry_camera_id": 3,
		"entry_camera_name": "north",
		"entry_detection_count": 4,
		"entry_weight": 0.93,
		"entry_snapshot": "snap.jpg",
		"payment_device_id": "dev-1",
		"led_screen_config": "led-in",
		"barrier_gate_id": "gate-in",
		"backup_channel_id": "2"
	}`)
	now := time.Date(2024, 5, 1, 10, 0, 1, 0, time.UTC)

	ev, err := decodeCamera("0001", payload, now)
	require.NoError(t, err)
	assert.Equal(t, parking.DirectionEntry, ev.Direction)
	assert.Equal(t, "0001", ev.LotCode)
	assert.Equal(t, "ABC-123", ev.Plate)
	assert.Equal(t, "2024-05-01 10:00:00", ev.Timestamp)
	assert.Equal(t, "snap.jpg", ev.Snapshot)
	assert.Equal(t, now, ev.ReceivedAt)
	assert.Equal(t, "10.0.0.7", ev.Meta.CameraIP)
	require.NotNil(t, ev.Meta.CameraID)
	assert.Equal(t, 3, *ev.Meta.CameraID)
	assert.Equal(t, "entry_new", ev.Meta.Action)
	assert.Equal(t, parking.Bindings{
		PaymentDeviceID: "dev-1",
		DisplayDeviceID: "led-in",
		GateID:          "gate-in",
		GateChannel:     2,
	}, ev.Bindings)
}

func TestDecodeExitMessagePrefersExitBindings(t *testing.T) {
	payload := []byte(`{
		"event_type": "exit",
		"timestamp": "2024-05-01 10:03:05",
		"exit_plate_number": "ABC123",
		"exit_led_screen_config": "led-out",
		"barrier_gate_id": "gate-shared",
		"payment_device_id": "dev-shared",
		"exit_payment_device_id": "dev-out",
		"backup_channel_id": 3
	}`)
	ev, err := decodeCamera("0001", payload, time.Now())
	require.NoError(t, err)
	assert.Equal(t, parking.DirectionExit, ev.Direction)
	assert.Equal(t, "ABC123", ev.Plate)
	assert.Equal(t, parking.Bindings{
		PaymentDeviceID: "dev-out",
		DisplayDeviceID: "led-out",
		GateID:          "gate-shared",
		GateChannel:     3,
	}, ev.Bindings)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `{`,
		"unknown type":     `{"event_type":"parked","entry_plate_number":"A1"}`,
		"entry no plate":   `{"event_type":"entry","exit_plate_number":"A1"}`,
		"exit blank plate": `{"event_type":"exit","exit_plate_number":"  "}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeCamera("0001", []byte(payload), time.Now())
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestGateChannel(t *testing.T) {
	assert.Equal(t, 1, gateChannel(nil))
	assert.Equal(t, 1, gateChannel([]byte(`null`)))
	assert.Equal(t, 1, gateChannel([]byte(`"abc"`)))
	assert.Equal(t, 1, gateChannel([]byte(`0`)))
	assert.Equal(t, 1, gateChannel([]byte(`-2`)))
	assert.Equal(t, 4, gateChannel([]byte(`4`)))
	assert.Equal(t, 5, gateChannel([]byte(`" 5 "`)))
}

func TestDecodeDisplayRequest(t *testing.T) {
	plate, device, err := decodeDisplayRequest([]byte(`{"plate_number":"ABC-123","device_config":{"led_screen_config":"led-9"}}`))
	require.NoError(t, err)
	assert.Equal(t, "ABC-123", plate)
	assert.Equal(t, "led-9", device)

	plate, device, err = decodeDisplayRequest([]byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, plate)
	assert.Empty(t, device)

	_, _, err = decodeDisplayRequest([]byte(`[`))
	assert.ErrorIs(t, err, ErrMalformed)
}
