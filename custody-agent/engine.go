package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bunwallet/bund/custody-agent/storage"
)

const msgUserRejected = "User rejected the request."
const msgUnauthorizedDomain = "Unauthorized domain"

// Responder delivers a response for a single request back to its page
type Responder func(*Response)

// PendingRequest is a queued request awaiting a user decision
type PendingRequest struct {
	Request    *Request
	EnqueuedAt time.Time

	respond Responder
}

// DecisionSurface is the user-facing collaborator. Present is called
// whenever a new request reaches the head of the queue; Failure when an
// approved request could not be resolved.
type DecisionSurface interface {
	Present(req *PendingRequest)
	Failure(req *PendingRequest, err error)
}

// Engine mediates provider requests: it decides which requests resolve
// immediately, which queue for a user decision, and how approved
// requests obtain key material and reach the ledger. All entry points
// are serialized by a single mutex.
type Engine struct {
	credentials *CredentialStore
	session     *SessionCache
	accounts    *AccountRegistry
	ledger      LedgerClient
	store       *storage.Store
	surface     DecisionSurface

	mu    sync.Mutex
	queue []*PendingRequest
}

// NewEngine creates an authorization engine
func NewEngine(credentials *CredentialStore, session *SessionCache, accounts *AccountRegistry, ledger LedgerClient, store *storage.Store, surface DecisionSurface) *Engine {
	return &Engine{
		credentials: credentials,
		session:     session,
		accounts:    accounts,
		ledger:      ledger,
		store:       store,
		surface:     surface,
	}
}

// Handle processes an inbound request. Requests that need a user
// decision are queued; everything else is answered immediately.
// Unknown methods are dropped without a response.
func (e *Engine) Handle(req *Request, respond Responder) {
	e.mu.Lock()
	defer e.mu.Unlock()

	log.Debug().
		Str("method", string(req.Method)).
		Str("request_id", req.RequestID).
		Str("origin", req.Origin).
		Msg("Handling request")

	switch req.Method {
	case MethodConnect:
		e.handleConnect(req, respond)
	case MethodDisconnect:
		// Disconnect is always acknowledged, trusted or not. Trust is
		// not revoked; the page is simply done with its session.
		respond(successResponse(req, nil))
	case MethodSignAndSendTransaction, MethodSignAndSendBundle:
		e.handleSign(req, respond)
	default:
		log.Debug().Str("method", string(req.Method)).Msg("Dropping unknown method")
	}
}

func (e *Engine) handleConnect(req *Request, respond Responder) {
	if req.Params.OnlyIfTrusted {
		trusted, err := e.store.HasDomain(req.Origin)
		if err != nil {
			log.Error().Err(err).Msg("Trust lookup failed")
			trusted = false
		}
		if !trusted {
			// Same code and message as an explicit user rejection, so
			// a probing page cannot distinguish "never asked" from
			// "asked and refused".
			respond(rejectedResponse(req, CodeUserRejected, msgUserRejected))
			return
		}

		account, err := e.accounts.Active()
		if err != nil {
			respond(rejectedResponse(req, CodeUserRejected, msgUserRejected))
			return
		}
		respond(successResponse(req, &ResponseData{Account: account.PublicKey}))
		return
	}

	e.enqueue(req, respond)
}

func (e *Engine) handleSign(req *Request, respond Responder) {
	trusted, err := e.store.HasDomain(req.Origin)
	if err != nil {
		log.Error().Err(err).Msg("Trust lookup failed")
		trusted = false
	}
	if !trusted {
		respond(rejectedResponse(req, CodeUnauthorizedDomain, msgUnauthorizedDomain))
		return
	}

	e.enqueue(req, respond)
}

// enqueue appends a request and surfaces it if it became the head.
// Callers hold e.mu.
func (e *Engine) enqueue(req *Request, respond Responder) {
	pending := &PendingRequest{
		Request:    req,
		EnqueuedAt: time.Now(),
		respond:    respond,
	}
	e.queue = append(e.queue, pending)

	log.Info().
		Str("method", string(req.Method)).
		Str("request_id", req.RequestID).
		Str("origin", req.Origin).
		Int("queue_len", len(e.queue)).
		Msg("Request queued")

	if len(e.queue) == 1 && e.surface != nil {
		e.surface.Present(pending)
	}
}

// Head returns the request currently awaiting a decision, or nil
func (e *Engine) Head() *PendingRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	return e.queue[0]
}

// QueueLength returns the number of pending requests
func (e *Engine) QueueLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Approve resolves the head request. For signing requests, proof may
// carry fresh credential material when no live session exists.
//
// If resolution fails the request is dequeued without any wire
// response; the page's promise stays unsettled and the failure is
// reported on the decision surface only.
func (e *Engine) Approve(ctx context.Context, proof *Proof) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) == 0 {
		return ErrNoPendingRequest
	}
	pending := e.queue[0]
	req := pending.Request

	resp, err := e.resolve(ctx, req, proof)

	e.dequeueLocked()

	if err != nil {
		log.Error().
			Err(err).
			Str("method", string(req.Method)).
			Str("request_id", req.RequestID).
			Msg("Approved request failed to resolve")
		if e.surface != nil {
			e.surface.Failure(pending, err)
		}
		return err
	}

	pending.respond(resp)
	return nil
}

func (e *Engine) resolve(ctx context.Context, req *Request, proof *Proof) (*Response, error) {
	switch req.Method {
	case MethodConnect:
		return e.resolveConnect(req)
	case MethodSignAndSendTransaction:
		return e.resolveTransaction(ctx, req, proof)
	case MethodSignAndSendBundle:
		return e.resolveBundle(ctx, req, proof)
	default:
		return nil, ErrNoPendingRequest
	}
}

func (e *Engine) resolveConnect(req *Request) (*Response, error) {
	if err := e.store.AddDomain(req.Origin); err != nil {
		return nil, err
	}

	account, err := e.accounts.Active()
	if err != nil {
		return nil, err
	}

	log.Info().Str("origin", req.Origin).Msg("Origin trusted")
	return successResponse(req, &ResponseData{Account: account.PublicKey}), nil
}

func (e *Engine) resolveTransaction(ctx context.Context, req *Request, proof *Proof) (*Response, error) {
	payload, err := req.Params.TransactionMessage()
	if err != nil {
		return nil, err
	}

	masterKey, err := e.obtainMasterKey(proof)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(masterKey)

	account, err := e.accounts.Active()
	if err != nil {
		return nil, err
	}

	signingKey, err := e.accounts.SigningKey(account, masterKey)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(signingKey)

	txID, err := e.ledger.BroadcastTransaction(ctx, payload, signingKey)
	if err != nil {
		return nil, err
	}

	if err := e.recordSubmission(txID, KindTransaction, req); err != nil {
		log.Warn().Err(err).Str("tx_id", txID).Msg("Failed to record submission")
	}

	return successResponse(req, &ResponseData{
		Account:   account.PublicKey,
		Signature: txID,
	}), nil
}

func (e *Engine) resolveBundle(ctx context.Context, req *Request, proof *Proof) (*Response, error) {
	payloads, err := req.Params.BundleMessages()
	if err != nil {
		return nil, err
	}

	masterKey, err := e.obtainMasterKey(proof)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(masterKey)

	account, err := e.accounts.Active()
	if err != nil {
		return nil, err
	}

	signingKey, err := e.accounts.SigningKey(account, masterKey)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(signingKey)

	bundleID, err := e.ledger.BroadcastBundle(ctx, payloads, req.Params.TipLamports, signingKey)
	if err != nil {
		return nil, err
	}

	if err := e.recordSubmission(bundleID, KindBundle, req); err != nil {
		log.Warn().Err(err).Str("bundle_id", bundleID).Msg("Failed to record submission")
	}

	return successResponse(req, &ResponseData{
		Account:  account.PublicKey,
		BundleID: bundleID,
	}), nil
}

// obtainMasterKey fetches the master key from the session cache, or
// verifies fresh proof and establishes a new session
func (e *Engine) obtainMasterKey(proof *Proof) ([]byte, error) {
	masterKey, err := e.session.Fetch()
	if err != nil {
		return nil, err
	}
	if masterKey != nil {
		return masterKey, nil
	}

	if proof == nil {
		return nil, ErrSessionExpired
	}

	masterKey, err = e.credentials.Verify(proof)
	if err != nil {
		return nil, err
	}

	if err := e.session.Establish(masterKey); err != nil {
		log.Warn().Err(err).Msg("Failed to establish session after verification")
	}

	return masterKey, nil
}

type submissionRecord struct {
	Origin    string `json:"origin"`
	RequestID string `json:"request_id"`
	Method    Method `json:"method"`
}

func (e *Engine) recordSubmission(id, kind string, req *Request) error {
	record, err := json.Marshal(&submissionRecord{
		Origin:    req.Origin,
		RequestID: req.RequestID,
		Method:    req.Method,
	})
	if err != nil {
		return err
	}
	return e.store.PutSubmission(id, kind, SubmissionPending, record)
}

// Reject rejects the head request with the user-rejected code
func (e *Engine) Reject() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) == 0 {
		return ErrNoPendingRequest
	}
	pending := e.queue[0]

	pending.respond(rejectedResponse(pending.Request, CodeUserRejected, msgUserRejected))
	e.dequeueLocked()

	log.Info().
		Str("method", string(pending.Request.Method)).
		Str("request_id", pending.Request.RequestID).
		Msg("Request rejected")
	return nil
}

// Teardown rejects every queued request in order. Called when the
// transport to the pages is going away.
func (e *Engine) Teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, pending := range e.queue {
		pending.respond(rejectedResponse(pending.Request, CodeUserRejected, msgUserRejected))
	}
	e.queue = nil
}

// RegisterPassword sets up the credential in password mode and opens a
// session so the first signing approval does not re-prompt
func (e *Engine) RegisterPassword(password []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	masterKey, err := e.credentials.RegisterPassword(password)
	if err != nil {
		return err
	}
	defer zeroBytes(masterKey)

	return e.session.Establish(masterKey)
}

// RegisterAuthenticator sets up the credential from a CBOR attestation
// object and opens a session
func (e *Engine) RegisterAuthenticator(attestationObject []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	masterKey, err := e.credentials.RegisterAuthenticator(attestationObject)
	if err != nil {
		return err
	}
	defer zeroBytes(masterKey)

	return e.session.Establish(masterKey)
}

// ImportAccount adds an account from a base58 private key. Requires a
// live session or fresh proof.
func (e *Engine) ImportAccount(privateKeyB58 string, proof *Proof) (*Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	masterKey, err := e.obtainMasterKey(proof)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(masterKey)

	return e.accounts.Import(privateKeyB58, masterKey)
}

// GenerateAccount creates a new account with a fresh keypair. Requires
// a live session or fresh proof.
func (e *Engine) GenerateAccount(proof *Proof) (*Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	masterKey, err := e.obtainMasterKey(proof)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(masterKey)

	return e.accounts.Generate(masterKey)
}

// RevokeTrust removes an origin from the trusted set
func (e *Engine) RevokeTrust(origin string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.RemoveDomain(origin)
}

// dequeueLocked removes the head and surfaces the next request.
// Callers hold e.mu.
func (e *Engine) dequeueLocked() {
	if len(e.queue) == 0 {
		return
	}
	e.queue = e.queue[1:]
	if len(e.queue) > 0 && e.surface != nil {
		e.surface.Present(e.queue[0])
	}
}
