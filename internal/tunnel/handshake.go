package tunnel

import (
	"encoding/json"
	"errors"
)

var (
	errForbidden      = errors.New("tunnel: registration forbidden")
	errRegisterFailed = errors.New("tunnel: registration rejected")
)

type registerMsg struct {
	Type   string `json:"type"`
	Serial string `json:"serial"`
	APIKey string `json:"api_key"`
}

func registerFrame(serial, apiKey string) []byte {
	data, _ := json.Marshal(registerMsg{Type: "tunnel.register", Serial: serial, APIKey: apiKey})
	return data
}

type registerAck struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// parseRegisterAck reports whether registration succeeded, and whether
// a failure is permanent (FORBIDDEN, meaning the API key is invalid and
// retrying won't help).
func parseRegisterAck(data []byte) (ok bool, forbidden bool) {
	var ack registerAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return false, false
	}
	switch ack.Type {
	case "tunnel.register.ack":
		return true, false
	case "tunnel.register.error":
		return false, ack.Reason == "FORBIDDEN"
	default:
		return false, false
	}
}
