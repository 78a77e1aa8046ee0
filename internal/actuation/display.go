package actuation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Color struct {
	A uint8 `json:"a"`
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

var (
	White  = Color{A: 255, R: 255, G: 255, B: 255}
	Red    = Color{A: 255, R: 255}
	Green  = Color{A: 255, G: 255}
	Yellow = Color{A: 255, R: 255, G: 255}
)

type Line struct {
	Text  string
	Color Color
}

// Scene is the semantic content of a display update.
type Scene struct {
	Name     string
	DeviceID string
	Lines    []Line
	QRCode   string
	Voice    string
	ShowTime int
}

func EntryScene(plate string) Scene {
	return Scene{
		Name: "start_passing_scene",
		Lines: []Line{
			{Text: "License Plate#", Color: White},
			{Text: plate, Color: Green},
			{Text: "Pay Parking", Color: Yellow},
			{Text: "Vehicle Released", Color: Green},
		},
		Voice: "Welcome",
	}
}

func PaymentDueScene(plate string, dwell time.Duration, feeCents int64, currency, paymentURL string) Scene {
	return Scene{
		Name: "start_pay_scene",
		Lines: []Line{
			{Text: plate, Color: Green},
			{Text: "Time Parked:", Color: Yellow},
			{Text: FormatDwell(dwell), Color: White},
			{Text: "Please Pay:", Color: Yellow},
			{Text: FormatFee(feeCents, currency), Color: Red},
		},
		QRCode: paymentURL,
		Voice:  "Please Pay",
	}
}

func PaidScene(plate string) Scene {
	return Scene{
		Name: "start_paid_scene",
		Lines: []Line{
			{Text: plate, Color: Green},
			{Text: "Payment Received", Color: Green},
			{Text: "Thank You", Color: Yellow},
		},
		Voice: "Thank you",
	}
}

func FormatDwell(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int64(d / time.Minute)
	return fmt.Sprintf("%d hrs %d mins", minutes/60, minutes%60)
}

var currencySymbols = map[string]string{
	"USD": "$",
	"CAD": "$",
	"AUD": "$",
	"EUR": "€",
	"GBP": "£",
}

func FormatFee(cents int64, currency string) string {
	amount := fmt.Sprintf("%d.%02d", cents/100, cents%100)
	if sym, ok := currencySymbols[strings.ToUpper(currency)]; ok {
		return sym + amount
	}
	if currency == "" {
		return amount
	}
	return strings.ToUpper(currency) + " " + amount
}

type displayMessage struct {
	Type        string        `json:"type"`
	Cmd         string        `json:"cmd"`
	Sender      string        `json:"sender"`
	RequestTime int64         `json:"request_time"`
	SN          string        `json:"sn"`
	DeviceCID   string        `json:"device_cid"`
	Config      displayConfig `json:"config"`
}

type displayConfig struct {
	ShowTime int           `json:"show_time"`
	Voice    string        `json:"voice,omitempty"`
	QRCode   string        `json:"qrcode,omitempty"`
	TextList []displayText `json:"text_list"`
}

type displayText struct {
	LID   int    `json:"lid"`
	Text  string `json:"text"`
	Color Color  `json:"color"`
}

func displayTopic(parkCode, deviceID string) string {
	return fmt.Sprintf("MC/%s/private/%s", parkCode, deviceID)
}

func encodeDisplay(s Scene, sender string, now time.Time) ([]byte, error) {
	texts := make([]displayText, 0, len(s.Lines))
	for i, l := range s.Lines {
		texts = append(texts, displayText{LID: i, Text: l.Text, Color: l.Color})
	}
	return json.Marshal(displayMessage{
		Type:        "template",
		Cmd:         s.Name,
		Sender:      sender,
		RequestTime: now.Unix(),
		SN:          fmt.Sprintf("%d", now.UnixNano()),
		DeviceCID:   s.DeviceID,
		Config: displayConfig{
			ShowTime: s.ShowTime,
			Voice:    s.Voice,
			QRCode:   s.QRCode,
			TextList: texts,
		},
	})
}
