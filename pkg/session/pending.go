package session

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"smartsession/pkg/credstore"
)

// PendingRequest is a snapshot of a call that was abandoned for a login
// redirect. It is informational: nothing replays it automatically.
type PendingRequest struct {
	ID      string              `json:"id"`
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Headers map[string]string   `json:"headers,omitempty"`
	Params  map[string][]string `json:"params,omitempty"`
	Body    string              `json:"body,omitempty"`
	SavedAt time.Time           `json:"saved_at"`
}

// SavePending stores rec, replacing any earlier record.
func (m *Machine) SavePending(rec PendingRequest) {
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		m.logger.Warn("PENDING_ENCODE_FAILED", zap.String("request_id", rec.ID), zap.Error(err))
		return
	}
	m.store.Set(credstore.PendingRequest, string(data))
	m.logger.Debug("PENDING_SAVED",
		zap.String("request_id", rec.ID),
		zap.String("method", rec.Method),
		zap.String("url", rec.URL))
}

// Pending returns the stored record without consuming it.
func (m *Machine) Pending() (*PendingRequest, bool) {
	raw, ok := m.store.Get(credstore.PendingRequest)
	if !ok {
		return nil, false
	}
	return m.decodePending(raw)
}

// takePending returns and deletes the stored record.
func (m *Machine) takePending() *PendingRequest {
	raw, ok := m.store.Take(credstore.PendingRequest)
	if !ok {
		return nil
	}
	rec, _ := m.decodePending(raw)
	return rec
}

func (m *Machine) decodePending(raw string) (*PendingRequest, bool) {
	var rec PendingRequest
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		m.logger.Warn("PENDING_DECODE_FAILED", zap.Error(err))
		return nil, false
	}
	return &rec, true
}
