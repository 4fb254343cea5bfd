package gateway

import (
	"errors"
	"fmt"
)

// ── WS protocol ──
//
// client → server:
//   {"type":"SUBSCRIBE","reqId":"1","instruments":["NSEFO:35001","BSECM:500325"]}
//   {"type":"UNSUBSCRIBE","reqId":"2","instruments":["NSEFO:35001"]}
//   {"type":"PING","ping":1700000000000}
//
// server → client:
//   {"type":"WELCOME","clientId":"..."}
//   {"type":"SNAPSHOT","reqId":"1","data":[...]}
//   {"type":"TICK","data":{...}}
//   {"type":"ERROR","reqId":"1","error":"..."}
//   {"type":"PONG","ping":...,"server_ts":...}

const (
	msgSubscribe   = "SUBSCRIBE"
	msgUnsubscribe = "UNSUBSCRIBE"
	msgPing        = "PING"

	msgWelcome  = "WELCOME"
	msgSnapshot = "SNAPSHOT"
	msgTick     = "TICK"
	msgError    = "ERROR"
	msgPong     = "PONG"
	msgAck      = "ACK"
)

// maxPerRequest bounds the instruments named in one SUBSCRIBE.
const maxPerRequest = 500

var errTooMany = errors.New("too many instruments in one request")

func errBadInstrument(v string) error {
	return fmt.Errorf("bad instrument %q, want SEGMENT:token", v)
}

// RequestMsg is a client → server SUBSCRIBE or UNSUBSCRIBE.
type RequestMsg struct {
	Type        string   `json:"type"`
	ReqID       string   `json:"reqId"`
	Instruments []string `json:"instruments"`
	Ping        int64    `json:"ping,omitempty"`
}

// WelcomeMsg is sent once after the upgrade.
type WelcomeMsg struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

// SnapshotMsg answers a SUBSCRIBE with the current state of every known instrument.
type SnapshotMsg struct {
	Type    string    `json:"type"`
	ReqID   string    `json:"reqId"`
	Data    []TickOut `json:"data"`
	Unknown []string  `json:"unknown,omitempty"`
}

// TickMsg carries one live update.
type TickMsg struct {
	Type string  `json:"type"`
	Data TickOut `json:"data"`
}

// AckMsg acknowledges an UNSUBSCRIBE.
type AckMsg struct {
	Type    string `json:"type"`
	ReqID   string `json:"reqId"`
	Removed int    `json:"removed"`
}

// ErrorMsg reports a rejected request.
type ErrorMsg struct {
	Type  string `json:"type"`
	ReqID string `json:"reqId,omitempty"`
	Error string `json:"error"`
}

// PongMsg answers a PING.
type PongMsg struct {
	Type     string `json:"type"`
	Ping     int64  `json:"ping"`
	ServerTS int64  `json:"server_ts"`
}
