package main

import (
	"encoding/json"
	"fmt"
)

// Method is a provider method requested by a page
type Method string

const (
	MethodConnect                Method = "connect"
	MethodDisconnect             Method = "disconnect"
	MethodSignAndSendTransaction Method = "signAndSendTransaction"
	MethodSignAndSendBundle      Method = "signAndSendBundle"
)

// Response statuses
const (
	StatusSuccess  = "success"
	StatusRejected = "rejected"
)

// Wire rejection codes
const (
	// CodeUserRejected covers explicit user rejection and the silent
	// rejection of onlyIfTrusted connects from untrusted origins
	CodeUserRejected = 4001

	// CodeUnauthorizedDomain is returned to signing requests from
	// origins the user never trusted
	CodeUnauthorizedDomain = 4100
)

// Request is an inbound provider request. Origin is stamped by the
// transport, never taken from the payload.
type Request struct {
	Method    Method        `json:"method"`
	Params    RequestParams `json:"params"`
	RequestID string        `json:"requestId"`
	Origin    string        `json:"-"`
}

// RequestParams carries method parameters. Message is a base58 string
// for transactions and an array of base58 strings for bundles.
type RequestParams struct {
	OnlyIfTrusted bool            `json:"onlyIfTrusted,omitempty"`
	Message       json.RawMessage `json:"message,omitempty"`
	TipLamports   uint64          `json:"jitoTipAmount,omitempty"`
}

// TransactionMessage returns the single serialized transaction payload
func (p *RequestParams) TransactionMessage() (string, error) {
	var msg string
	if err := json.Unmarshal(p.Message, &msg); err != nil {
		return "", fmt.Errorf("transaction message must be a string: %w", err)
	}
	if msg == "" {
		return "", fmt.Errorf("transaction message is empty")
	}
	return msg, nil
}

// BundleMessages returns the ordered serialized transaction payloads
func (p *RequestParams) BundleMessages() ([]string, error) {
	var msgs []string
	if err := json.Unmarshal(p.Message, &msgs); err != nil {
		return nil, fmt.Errorf("bundle message must be an array of strings: %w", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("bundle is empty")
	}
	return msgs, nil
}

// Response is the reply sent back to the requesting page. The data
// object is always present on the wire; pages read rejection details
// from data.error, never from a top-level field.
type Response struct {
	Method    Method        `json:"method"`
	RequestID string        `json:"requestId"`
	Status    string        `json:"status"`
	Data      *ResponseData `json:"data"`
}

// ResponseData is the response payload. Success fills the result
// fields; rejection fills Error.
type ResponseData struct {
	Account   string     `json:"account,omitempty"`   // base58 public key
	Signature string     `json:"signature,omitempty"` // transaction ID
	BundleID  string     `json:"bundleId,omitempty"`
	Error     *WireError `json:"error,omitempty"`
}

// WireError is the rejection payload
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func successResponse(req *Request, data *ResponseData) *Response {
	if data == nil {
		// Disconnect and friends still send an empty data object.
		data = &ResponseData{}
	}
	return &Response{
		Method:    req.Method,
		RequestID: req.RequestID,
		Status:    StatusSuccess,
		Data:      data,
	}
}

func rejectedResponse(req *Request, code int, message string) *Response {
	return &Response{
		Method:    req.Method,
		RequestID: req.RequestID,
		Status:    StatusRejected,
		Data: &ResponseData{
			Error: &WireError{
				Code:    code,
				Message: message,
			},
		},
	}
}
