package gateway

import (
	"bytes"
	"encoding/json"
)

// Envelope is the resource API's {code, msg, success, data} body.
type Envelope struct {
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Success *bool           `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// parseEnvelope decodes body when it is a JSON object carrying a code.
func parseEnvelope(body []byte) *Envelope {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}

	var head struct {
		Code    *int            `json:"code"`
		Msg     string          `json:"msg"`
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil || head.Code == nil {
		return nil
	}
	return &Envelope{
		Code:    *head.Code,
		Msg:     head.Msg,
		Success: head.Success,
		Data:    head.Data,
	}
}
