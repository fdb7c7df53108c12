package twilio

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// Twilio media stream event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
)

type TwilioStart struct {
	CallSID    string `json:"callSid"`
	StreamSID  string `json:"streamSid"`
	AccountSID string `json:"accountSid"`
	From       string `json:"from"`
}

type TwilioMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type TwilioStop struct {
	CallSID string `json:"callSid"`
	Reason  string `json:"reason"`
}

type TwilioEvent struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSID      string       `json:"streamSid,omitempty"`
	Start          *TwilioStart `json:"start,omitempty"`
	Media          *TwilioMedia `json:"media,omitempty"`
	Stop           *TwilioStop  `json:"stop,omitempty"`
}

var errEmptyPayload = errors.New("empty media payload")

// parseEvent decodes one text frame. ok is false for anything that is not a JSON object with an event name.
func parseEvent(msg []byte) (TwilioEvent, bool) {
	var evt TwilioEvent
	if err := json.Unmarshal(msg, &evt); err != nil {
		return TwilioEvent{}, false
	}
	evt.Event = strings.ToLower(strings.TrimSpace(evt.Event))
	return evt, evt.Event != ""
}

// mediaPayload returns the raw μ-law bytes carried by a media event.
func mediaPayload(m *TwilioMedia) ([]byte, error) {
	if m == nil || m.Payload == "" {
		return nil, errEmptyPayload
	}
	b, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errEmptyPayload
	}
	return b, nil
}
