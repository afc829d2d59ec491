// Package dispatch owns the agent side of the hub: WebSocket connection
// lifecycle, probe request routing to connected agents, and agent status
// bookkeeping.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/sonde-dev/sonde/pkg/models"
	"github.com/sonde-dev/sonde/pkg/store"
)

const (
	// DefaultProbeTimeout bounds a probe round trip when the caller gives
	// no explicit timeout.
	DefaultProbeTimeout = 30 * time.Second

	// DegradedAfter is how long an online agent may go without a heartbeat
	// before the status sweeper marks it degraded.
	DegradedAfter = 90 * time.Second

	registerTimeout = 10 * time.Second
	writeTimeout    = 10 * time.Second
	sweepInterval   = 30 * time.Second
)

var (
	// ErrAgentOffline is returned when the target agent has no live socket.
	ErrAgentOffline = errors.New("agent is not connected")

	// ErrProbeTimeout is returned when an agent does not answer a probe
	// request within its deadline.
	ErrProbeTimeout = errors.New("probe timed out")

	// ErrTransport is returned when the agent socket fails mid-request.
	ErrTransport = errors.New("agent transport error")
)

// AgentStore is the slice of persistence the dispatcher needs.
type AgentStore interface {
	GetAgentByName(ctx context.Context, name string) (*models.Agent, error)
	CreateAgent(ctx context.Context, agent *models.Agent) error
	UpdateAgentRegistration(ctx context.Context, agent *models.Agent) error
	UpdateAgentStatus(ctx context.Context, id string, status models.AgentStatus, lastSeen time.Time) error
	MarkStaleAgentsDegraded(ctx context.Context, cutoff time.Time) (int64, error)
}

// agentConn is one live agent socket plus its in-flight probe requests.
//
// pending is guarded by the dispatcher's waiterMu, not a per-conn lock:
// request registration, completion, and connection teardown all need a
// consistent view across the waiter table and the pending set.
type agentConn struct {
	agentID string
	name    string
	version string
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	pending map[string]bool
}

// Dispatcher tracks connected agents and routes probe requests to them.
type Dispatcher struct {
	store  AgentStore
	logger *slog.Logger

	mu     sync.RWMutex
	conns  map[string]*agentConn // agent ID -> connection
	byName map[string]string     // agent name -> agent ID

	waiterMu sync.Mutex
	waiters  map[string]chan *models.ProbeResponse // request ID -> reply channel
}

// New creates a Dispatcher.
func New(store AgentStore) *Dispatcher {
	return &Dispatcher{
		store:   store,
		logger:  slog.With("component", "dispatcher"),
		conns:   make(map[string]*agentConn),
		byName:  make(map[string]string),
		waiters: make(map[string]chan *models.ProbeResponse),
	}
}

// HandleConnection manages one agent WebSocket from registration to close.
// Blocks until the socket closes.
func (d *Dispatcher) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	agent, err := d.awaitRegistration(ctx, conn)
	if err != nil {
		d.logger.Warn("Agent registration failed", "error", err)
		d.sendError(ctx, conn, err.Error())
		_ = conn.Close(websocket.StatusPolicyViolation, "registration failed")
		return
	}

	c := &agentConn{
		agentID: agent.ID,
		name:    agent.Name,
		version: agent.AgentVersion,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]bool),
	}
	d.register(c)
	defer d.unregister(c)

	d.logger.Info("Agent connected",
		"agent_id", agent.ID, "agent_name", agent.Name, "version", agent.AgentVersion)

	ack, err := newEnvelope(uuid.New().String(), TypeHubAck, AckPayload{AgentID: agent.ID})
	if err == nil {
		_ = d.send(c, ack)
	}

	// Read loop. Exits when the socket closes or errors.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			d.logger.Warn("Invalid agent message",
				"agent_id", c.agentID, "error", err)
			continue
		}
		d.handleMessage(ctx, c, &env)
	}
}

// SendProbe sends one probe request to a connected agent and waits for its
// response. timeout <= 0 uses DefaultProbeTimeout.
func (d *Dispatcher) SendProbe(ctx context.Context, agentID, probe string, params json.RawMessage, timeout time.Duration) (*models.ProbeResponse, error) {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	d.mu.RLock()
	c, ok := d.conns[agentID]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrAgentOffline
	}

	requestID := uuid.New().String()
	reply := make(chan *models.ProbeResponse, 1)

	d.waiterMu.Lock()
	d.waiters[requestID] = reply
	c.pending[requestID] = true
	d.waiterMu.Unlock()
	defer d.dropWaiter(c, requestID)

	env, err := newEnvelope(requestID, TypeProbeRequest, ProbeRequestPayload{
		Probe:     probe,
		Params:    params,
		TimeoutMs: timeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode probe request: %w", err)
	}
	if err := d.send(c, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, ErrTransport
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrProbeTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connected reports whether the agent has a live socket.
func (d *Dispatcher) Connected(agentID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.conns[agentID]
	return ok
}

// ConnectedIDByName resolves an agent name to its ID if connected.
func (d *Dispatcher) ConnectedIDByName(name string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byName[name]
	return id, ok
}

// ActiveAgents returns the number of connected agents.
func (d *Dispatcher) ActiveAgents() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns)
}

// RunStatusSweeper periodically flips online agents with stale heartbeats
// to degraded. Blocks until ctx is cancelled.
func (d *Dispatcher) RunStatusSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.store.MarkStaleAgentsDegraded(ctx, time.Now().Add(-DegradedAfter))
			if err != nil {
				d.logger.Warn("Agent status sweep failed", "error", err)
				continue
			}
			if n > 0 {
				d.logger.Info("Marked stale agents degraded", "count", n)
			}
		}
	}
}

// Shutdown closes every agent socket.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	conns := make([]*agentConn, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close(websocket.StatusGoingAway, "hub shutting down")
	}
}

// awaitRegistration reads the first frame, which must be agent.register,
// and creates or updates the persisted agent record.
func (d *Dispatcher) awaitRegistration(ctx context.Context, conn *websocket.Conn) (*models.Agent, error) {
	readCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, fmt.Errorf("read registration: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode registration: %w", err)
	}
	if env.Type != TypeAgentRegister {
		return nil, fmt.Errorf("expected %s, got %s", TypeAgentRegister, env.Type)
	}

	var reg RegisterPayload
	if err := json.Unmarshal(env.Payload, &reg); err != nil {
		return nil, fmt.Errorf("decode registration payload: %w", err)
	}
	if reg.Name == "" {
		return nil, errors.New("agent name is required")
	}

	now := time.Now().UTC()
	agent, err := d.store.GetAgentByName(ctx, reg.Name)
	switch {
	case err == nil:
		agent.OS = reg.OS
		agent.AgentVersion = reg.AgentVersion
		agent.Packs = reg.Packs
		agent.Status = models.AgentStatusOnline
		agent.LastSeen = now
		if err := d.store.UpdateAgentRegistration(ctx, agent); err != nil {
			return nil, fmt.Errorf("update agent: %w", err)
		}
	case errors.Is(err, store.ErrNotFound):
		agent = &models.Agent{
			ID:           uuid.New().String(),
			Name:         reg.Name,
			OS:           reg.OS,
			AgentVersion: reg.AgentVersion,
			Packs:        reg.Packs,
			Status:       models.AgentStatusOnline,
			LastSeen:     now,
			CreatedAt:    now,
		}
		if err := d.store.CreateAgent(ctx, agent); err != nil {
			return nil, fmt.Errorf("create agent: %w", err)
		}
	default:
		return nil, fmt.Errorf("look up agent: %w", err)
	}
	return agent, nil
}

func (d *Dispatcher) handleMessage(ctx context.Context, c *agentConn, env *Envelope) {
	switch env.Type {
	case TypeAgentHeartbeat:
		if err := d.store.UpdateAgentStatus(ctx, c.agentID, models.AgentStatusOnline, time.Now().UTC()); err != nil {
			d.logger.Warn("Heartbeat update failed", "agent_id", c.agentID, "error", err)
		}

	case TypeProbeResponse:
		var resp models.ProbeResponse
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			d.logger.Warn("Invalid probe response",
				"agent_id", c.agentID, "request_id", env.ID, "error", err)
			return
		}
		// The hub-side registered version is authoritative provenance.
		resp.Metadata.AgentVersion = c.version
		d.completeWaiter(c, env.ID, &resp)

	case TypeAgentRegister:
		d.sendError(ctx, c.conn, "already registered")

	default:
		d.logger.Warn("Unknown message type",
			"agent_id", c.agentID, "type", env.Type)
	}
}

// register installs a connection, displacing any previous socket for the
// same agent. The newest socket always wins.
func (d *Dispatcher) register(c *agentConn) {
	d.mu.Lock()
	old, displaced := d.conns[c.agentID]
	d.conns[c.agentID] = c
	d.byName[c.name] = c.agentID
	d.mu.Unlock()

	if displaced {
		d.logger.Info("Displacing previous agent socket",
			"agent_id", c.agentID, "agent_name", c.name)
		d.failPending(old)
		old.cancel()
		_ = old.conn.Close(websocket.StatusPolicyViolation, "replaced by newer connection")
	}
}

// unregister tears down a connection: pending requests fail immediately and
// the agent goes offline, unless a newer socket already displaced this one.
func (d *Dispatcher) unregister(c *agentConn) {
	d.failPending(c)

	d.mu.Lock()
	current := d.conns[c.agentID] == c
	if current {
		delete(d.conns, c.agentID)
		delete(d.byName, c.name)
	}
	d.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")

	if current {
		if err := d.store.UpdateAgentStatus(context.Background(), c.agentID, models.AgentStatusOffline, time.Time{}); err != nil {
			d.logger.Warn("Offline update failed", "agent_id", c.agentID, "error", err)
		}
		d.logger.Info("Agent disconnected", "agent_id", c.agentID, "agent_name", c.name)
	}
}

// completeWaiter delivers a probe response to the goroutine waiting on it.
// Responses for unknown request IDs are discarded: the waiter either timed
// out already or the ID was never issued.
func (d *Dispatcher) completeWaiter(c *agentConn, requestID string, resp *models.ProbeResponse) {
	d.waiterMu.Lock()
	reply, ok := d.waiters[requestID]
	if ok {
		delete(d.waiters, requestID)
		delete(c.pending, requestID)
	}
	d.waiterMu.Unlock()

	if !ok {
		d.logger.Warn("Discarding probe response with unknown request ID",
			"agent_id", c.agentID, "request_id", requestID)
		return
	}
	reply <- resp
}

// failPending closes the reply channels of every in-flight request on a
// dying connection so callers fail fast instead of waiting out the timeout.
func (d *Dispatcher) failPending(c *agentConn) {
	d.waiterMu.Lock()
	for requestID := range c.pending {
		if reply, ok := d.waiters[requestID]; ok {
			delete(d.waiters, requestID)
			close(reply)
		}
	}
	c.pending = make(map[string]bool)
	d.waiterMu.Unlock()
}

func (d *Dispatcher) dropWaiter(c *agentConn, requestID string) {
	d.waiterMu.Lock()
	delete(d.waiters, requestID)
	delete(c.pending, requestID)
	d.waiterMu.Unlock()
}

func (d *Dispatcher) send(c *agentConn, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (d *Dispatcher) sendError(ctx context.Context, conn *websocket.Conn, message string) {
	env, err := newEnvelope(uuid.New().String(), TypeError, ErrorPayload{Message: message})
	if err != nil {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_ = conn.Write(writeCtx, websocket.MessageText, data)
}
