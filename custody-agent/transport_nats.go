package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// OriginHeader carries the requesting page's origin. It is set by the
// browser bridge, never by the page itself.
const OriginHeader = "Wallet-Origin"

// NATSTransport connects the authorization engine to the browser
// bridge. Provider requests arrive on the request subject with a reply
// inbox; the local approval UI drives decisions over control subjects.
type NATSTransport struct {
	conn   *nats.Conn
	engine *Engine
	config NATSConfig
	subs   []*nats.Subscription
}

// NewNATSTransport connects to NATS and wires the engine
func NewNATSTransport(cfg NATSConfig, engine *Engine) (*NATSTransport, error) {
	opts := []nats.Option{
		nats.Name("bund-custody-agent"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed, tearing down queue")
			engine.Teardown()
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSTransport{
		conn:   conn,
		engine: engine,
		config: cfg,
	}, nil
}

// Start subscribes to the request and control subjects
func (t *NATSTransport) Start() error {
	sub, err := t.conn.Subscribe(t.config.RequestSubject, t.handleRequest)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", t.config.RequestSubject, err)
	}
	t.subs = append(t.subs, sub)

	sub, err = t.conn.Subscribe(t.config.ControlSubject+".approve", t.handleApprove)
	if err != nil {
		return fmt.Errorf("failed to subscribe to approve control: %w", err)
	}
	t.subs = append(t.subs, sub)

	sub, err = t.conn.Subscribe(t.config.ControlSubject+".reject", t.handleReject)
	if err != nil {
		return fmt.Errorf("failed to subscribe to reject control: %w", err)
	}
	t.subs = append(t.subs, sub)

	sub, err = t.conn.Subscribe(t.config.ControlSubject+".register", t.handleRegister)
	if err != nil {
		return fmt.Errorf("failed to subscribe to register control: %w", err)
	}
	t.subs = append(t.subs, sub)

	sub, err = t.conn.Subscribe(t.config.ControlSubject+".account.import", t.handleAccountImport)
	if err != nil {
		return fmt.Errorf("failed to subscribe to account import control: %w", err)
	}
	t.subs = append(t.subs, sub)

	sub, err = t.conn.Subscribe(t.config.ControlSubject+".account.generate", t.handleAccountGenerate)
	if err != nil {
		return fmt.Errorf("failed to subscribe to account generate control: %w", err)
	}
	t.subs = append(t.subs, sub)

	sub, err = t.conn.Subscribe(t.config.ControlSubject+".trust.revoke", t.handleTrustRevoke)
	if err != nil {
		return fmt.Errorf("failed to subscribe to trust revoke control: %w", err)
	}
	t.subs = append(t.subs, sub)

	sub, err = t.conn.Subscribe(t.config.ControlSubject+".hello", t.handleHello)
	if err != nil {
		return fmt.Errorf("failed to subscribe to hello control: %w", err)
	}
	t.subs = append(t.subs, sub)

	log.Info().
		Str("requests", t.config.RequestSubject).
		Str("control", t.config.ControlSubject).
		Msg("Transport started")
	return nil
}

// handleRequest parses a provider request and hands it to the engine.
// The reply inbox becomes the request's responder.
func (t *NATSTransport) handleRequest(msg *nats.Msg) {
	origin := msg.Header.Get(OriginHeader)
	if origin == "" {
		log.Warn().Msg("Dropping request without origin header")
		return
	}

	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Warn().Err(err).Msg("Dropping malformed request")
		return
	}
	req.Origin = origin

	reply := msg.Reply
	t.engine.Handle(&req, func(resp *Response) {
		if reply == "" {
			return
		}
		data, err := json.Marshal(resp)
		if err != nil {
			log.Error().Err(err).Msg("Failed to marshal response")
			return
		}
		if err := t.conn.Publish(reply, data); err != nil {
			log.Error().Err(err).Msg("Failed to publish response")
		}
	})
}

// controlResult is the reply to an approve/reject control message
type controlResult struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Account string `json:"account,omitempty"`
}

// handleApprove resolves the head request. The payload may carry a
// credential proof for signing when the session has lapsed.
func (t *NATSTransport) handleApprove(msg *nats.Msg) {
	var proof *Proof
	if len(msg.Data) > 0 {
		var p Proof
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			t.replyControl(msg, &controlResult{OK: false, Error: "malformed proof"})
			return
		}
		if len(p.Password) > 0 || p.Assertion != nil {
			proof = &p
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	err := t.engine.Approve(ctx, proof)
	if proof != nil {
		zeroBytes(proof.Password)
	}
	if err != nil {
		t.replyControl(msg, &controlResult{OK: false, Error: sanitizeControlError(err)})
		return
	}
	t.replyControl(msg, &controlResult{OK: true})
}

func (t *NATSTransport) handleReject(msg *nats.Msg) {
	if err := t.engine.Reject(); err != nil {
		t.replyControl(msg, &controlResult{OK: false, Error: sanitizeControlError(err)})
		return
	}
	t.replyControl(msg, &controlResult{OK: true})
}

// registerRequest is the payload for the register control subject
type registerRequest struct {
	Mode              AuthMode `json:"mode"`
	Password          []byte   `json:"password,omitempty"`
	AttestationObject []byte   `json:"attestation_object,omitempty"`
}

func (t *NATSTransport) handleRegister(msg *nats.Msg) {
	var req registerRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		t.replyControl(msg, &controlResult{OK: false, Error: "malformed request"})
		return
	}
	defer zeroBytes(req.Password)

	var err error
	switch req.Mode {
	case AuthModePassword:
		err = t.engine.RegisterPassword(req.Password)
	case AuthModeAuthenticator:
		err = t.engine.RegisterAuthenticator(req.AttestationObject)
	default:
		t.replyControl(msg, &controlResult{OK: false, Error: "unknown auth mode"})
		return
	}
	if err != nil {
		t.replyControl(msg, &controlResult{OK: false, Error: sanitizeControlError(err)})
		return
	}
	t.replyControl(msg, &controlResult{OK: true})
}

// accountRequest is the payload for the account control subjects
type accountRequest struct {
	PrivateKey string `json:"private_key,omitempty"` // base58, import only
	Proof      *Proof `json:"proof,omitempty"`
}

func (t *NATSTransport) handleAccountImport(msg *nats.Msg) {
	var req accountRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		t.replyControl(msg, &controlResult{OK: false, Error: "malformed request"})
		return
	}
	if req.Proof != nil {
		defer zeroBytes(req.Proof.Password)
	}

	account, err := t.engine.ImportAccount(req.PrivateKey, req.Proof)
	if err != nil {
		t.replyControl(msg, &controlResult{OK: false, Error: sanitizeControlError(err)})
		return
	}
	t.replyControl(msg, &controlResult{OK: true, Account: account.PublicKey})
}

func (t *NATSTransport) handleAccountGenerate(msg *nats.Msg) {
	var req accountRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			t.replyControl(msg, &controlResult{OK: false, Error: "malformed request"})
			return
		}
	}
	if req.Proof != nil {
		defer zeroBytes(req.Proof.Password)
	}

	account, err := t.engine.GenerateAccount(req.Proof)
	if err != nil {
		t.replyControl(msg, &controlResult{OK: false, Error: sanitizeControlError(err)})
		return
	}
	t.replyControl(msg, &controlResult{OK: true, Account: account.PublicKey})
}

func (t *NATSTransport) handleTrustRevoke(msg *nats.Msg) {
	var req struct {
		Origin string `json:"origin"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Origin == "" {
		t.replyControl(msg, &controlResult{OK: false, Error: "malformed request"})
		return
	}

	if err := t.engine.RevokeTrust(req.Origin); err != nil {
		t.replyControl(msg, &controlResult{OK: false, Error: sanitizeControlError(err)})
		return
	}
	t.replyControl(msg, &controlResult{OK: true})
}

// handleHello answers the approval UI's startup probe so it can show
// the agent version and whether a request is already waiting
func (t *NATSTransport) handleHello(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	reply := struct {
		Version string `json:"version"`
		Pending int    `json:"pending"`
	}{
		Version: Version,
		Pending: t.engine.QueueLength(),
	}
	data, _ := json.Marshal(&reply)
	if err := t.conn.Publish(msg.Reply, data); err != nil {
		log.Warn().Err(err).Msg("Failed to reply to hello")
	}
}

func (t *NATSTransport) replyControl(msg *nats.Msg, result *controlResult) {
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(result)
	if err := msg.RespondMsg(&nats.Msg{Subject: msg.Reply, Data: data}); err != nil {
		log.Warn().Err(err).Msg("Failed to reply to control message")
	}
}

// sanitizeControlError maps internal errors to short strings safe to
// send to the approval UI
func sanitizeControlError(err error) string {
	switch {
	case errors.Is(err, ErrNoPendingRequest):
		return "no pending request"
	case errors.Is(err, ErrSessionExpired):
		return "session expired, credential proof required"
	case errors.Is(err, ErrAuthenticationFailed):
		return "authentication failed"
	case errors.Is(err, ErrReplayDetected):
		return "authenticator replay detected"
	case errors.Is(err, ErrNoActiveAccount):
		return "no active account"
	case errors.Is(err, ErrAlreadyRegistered):
		return "credential already registered"
	case errors.Is(err, ErrNotRegistered):
		return "no credential registered"
	case errors.Is(err, ErrInvalidPrivateKey):
		return "invalid private key"
	case errors.Is(err, ErrIntegrity):
		return "stored data failed integrity check"
	default:
		return "request failed"
	}
}

// Close unsubscribes and drains the connection
func (t *NATSTransport) Close() {
	for _, sub := range t.subs {
		sub.Unsubscribe()
	}
	t.conn.Close()
}

// IsConnected returns true if connected to NATS
func (t *NATSTransport) IsConnected() bool {
	return t.conn.IsConnected()
}

// NATSSurface publishes decision prompts to the approval UI over NATS
type NATSSurface struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSurface creates a decision surface publishing on subject
func NewNATSSurface(conn *nats.Conn, subject string) *NATSSurface {
	return &NATSSurface{conn: conn, subject: subject}
}

// promptEvent is what the approval UI renders for a pending request
type promptEvent struct {
	Event     string `json:"event"`
	Method    Method `json:"method"`
	RequestID string `json:"requestId"`
	Origin    string `json:"origin"`
	Error     string `json:"error,omitempty"`
}

// Present notifies the UI that a request awaits a decision
func (s *NATSSurface) Present(req *PendingRequest) {
	s.publish(&promptEvent{
		Event:     "prompt",
		Method:    req.Request.Method,
		RequestID: req.Request.RequestID,
		Origin:    req.Request.Origin,
	})
}

// Failure notifies the UI that an approved request failed to resolve
func (s *NATSSurface) Failure(req *PendingRequest, err error) {
	s.publish(&promptEvent{
		Event:     "failure",
		Method:    req.Request.Method,
		RequestID: req.Request.RequestID,
		Origin:    req.Request.Origin,
		Error:     sanitizeControlError(err),
	})
}

func (s *NATSSurface) publish(event *promptEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal UI event")
		return
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		log.Warn().Err(err).Msg("Failed to publish UI event")
	}
}

// Conn exposes the underlying connection for surface wiring
func (t *NATSTransport) Conn() *nats.Conn {
	return t.conn
}
