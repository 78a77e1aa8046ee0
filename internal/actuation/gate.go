package actuation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type PulseKind string

const (
	// PulseEntry is a momentary open for an arriving vehicle.
	PulseEntry PulseKind = "entry"
	// PulsePayment is a close-then-reopen cycle released by a completed payment.
	PulsePayment PulseKind = "payment"
)

const (
	gateAddress    = 255
	defaultChannel = 1
)

type GateTarget struct {
	Lot     string
	GateID  string
	Channel int
}

type gateCommand struct {
	ID   string  `json:"id"`
	Type string  `json:"type"`
	Msg  gateMsg `json:"msg"`
}

type gateMsg struct {
	Cmd     string `json:"cmd"`
	Addr    int    `json:"addr"`
	Channel int    `json:"channel"`
	Time    int    `json:"time"`
}

func gateTopic(t GateTarget) string {
	return fmt.Sprintf("/gate/%s/%s/get", t.Lot, t.GateID)
}

// encodeGate builds the relay command. Duration is sent in tenths of a second.
func encodeGate(t GateTarget, kind PulseKind, d time.Duration) ([]byte, error) {
	cmd := "opentime"
	if kind == PulsePayment {
		cmd = "closetime"
	}
	channel := t.Channel
	if channel <= 0 {
		channel = defaultChannel
	}
	return json.Marshal(gateCommand{
		ID:   uuid.NewString(),
		Type: "modbus",
		Msg: gateMsg{
			Cmd:     cmd,
			Addr:    gateAddress,
			Channel: channel,
			Time:    int(d / (100 * time.Millisecond)),
		},
	})
}
