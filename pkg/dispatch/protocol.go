package dispatch

import (
	"encoding/json"
	"time"

	"github.com/sonde-dev/sonde/pkg/models"
)

// Envelope frames every message on the agent WebSocket, in both directions.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	AgentID   string          `json:"agentId,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Message types sent by agents.
const (
	TypeAgentRegister  = "agent.register"
	TypeAgentHeartbeat = "agent.heartbeat"
	TypeProbeResponse  = "agent.probe.response"
)

// Message types sent by the hub.
const (
	TypeHubAck       = "hub.ack"
	TypeProbeRequest = "hub.probe.request"
	TypeError        = "hub.error"
)

// RegisterPayload is the body of an agent.register message. Sent once, as
// the first frame after connecting.
type RegisterPayload struct {
	Name         string              `json:"name"`
	OS           string              `json:"os"`
	AgentVersion string              `json:"agentVersion"`
	Packs        []models.PackStatus `json:"packs"`
}

// AckPayload is the body of a hub.ack message, confirming registration and
// carrying the agent's hub-assigned ID.
type AckPayload struct {
	AgentID string `json:"agentId"`
}

// ProbeRequestPayload is the body of a hub.probe.request message.
type ProbeRequestPayload struct {
	Probe     string          `json:"probe"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs"`
}

// ErrorPayload is the body of a hub.error message.
type ErrorPayload struct {
	Message string `json:"message"`
}

func newEnvelope(id, msgType string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:        id,
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}
