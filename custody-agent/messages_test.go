package main

import (
	"encoding/json"
	"testing"
)

func TestRejectionWireShape(t *testing.T) {
	req := &Request{
		Method:    MethodConnect,
		RequestID: "r1",
		Origin:    "https://dapp.example.com",
	}

	raw, err := json.Marshal(rejectedResponse(req, CodeUserRejected, msgUserRejected))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	// Pages read rejection details from data.error; a top-level error
	// key would be invisible to them.
	if _, ok := top["error"]; ok {
		t.Error("Rejection must not carry a top-level error key")
	}
	dataRaw, ok := top["data"]
	if !ok {
		t.Fatal("Rejection missing data object")
	}

	var data struct {
		Error *WireError `json:"error"`
	}
	if err := json.Unmarshal(dataRaw, &data); err != nil {
		t.Fatalf("Failed to parse data object: %v", err)
	}
	if data.Error == nil {
		t.Fatal("Rejection missing data.error")
	}
	if data.Error.Code != CodeUserRejected {
		t.Errorf("Expected code %d, got %d", CodeUserRejected, data.Error.Code)
	}
	if data.Error.Message != msgUserRejected {
		t.Errorf("Unexpected message %q", data.Error.Message)
	}

	if string(top["status"]) != `"rejected"` {
		t.Errorf("Unexpected status %s", top["status"])
	}
	if string(top["requestId"]) != `"r1"` {
		t.Errorf("Unexpected requestId %s", top["requestId"])
	}
}

func TestUnauthorizedWireMessage(t *testing.T) {
	req := &Request{
		Method:    MethodSignAndSendTransaction,
		RequestID: "r2",
		Origin:    "https://dapp.example.com",
	}

	resp := rejectedResponse(req, CodeUnauthorizedDomain, msgUnauthorizedDomain)
	if resp.Data.Error.Message != "Unauthorized domain" {
		t.Errorf("Unexpected message %q", resp.Data.Error.Message)
	}
	if resp.Data.Error.Code != 4100 {
		t.Errorf("Expected code 4100, got %d", resp.Data.Error.Code)
	}
}

func TestSuccessWireShape(t *testing.T) {
	req := &Request{
		Method:    MethodConnect,
		RequestID: "r3",
		Origin:    "https://dapp.example.com",
	}

	raw, err := json.Marshal(successResponse(req, &ResponseData{Account: "pubkey111"}))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	var data struct {
		Account string     `json:"account"`
		Error   *WireError `json:"error"`
	}
	if err := json.Unmarshal(top["data"], &data); err != nil {
		t.Fatalf("Failed to parse data object: %v", err)
	}
	if data.Account != "pubkey111" {
		t.Errorf("Expected account in data, got %q", data.Account)
	}
	if data.Error != nil {
		t.Error("Success must not carry data.error")
	}
}

func TestDisconnectWireShape(t *testing.T) {
	req := &Request{
		Method:    MethodDisconnect,
		RequestID: "r4",
		Origin:    "https://dapp.example.com",
	}

	raw, err := json.Marshal(successResponse(req, nil))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	// Even a bare acknowledgement sends an empty data object, never
	// null or absent.
	if string(top["data"]) != "{}" {
		t.Errorf("Expected empty data object, got %s", top["data"])
	}
}
