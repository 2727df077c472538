package main

import (
	"bytes"
	"testing"
	"time"
)

func TestSessionEstablishAndFetch(t *testing.T) {
	sc := NewSessionCache(newTestStore(t), 30*time.Minute)

	// No session yet.
	key, err := sc.Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if key != nil {
		t.Fatal("Expected nil before establish")
	}

	masterKey := []byte("0123456789abcdef0123456789abcdef")
	if err := sc.Establish(masterKey); err != nil {
		t.Fatalf("Establish failed: %v", err)
	}

	fetched, err := sc.Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !bytes.Equal(fetched, masterKey) {
		t.Error("Fetched key does not match established key")
	}

	// Fetch is repeatable within the window.
	fetched2, _ := sc.Fetch()
	if !bytes.Equal(fetched2, masterKey) {
		t.Error("Second fetch does not match")
	}
}

func TestSessionExpiry(t *testing.T) {
	sc := NewSessionCache(newTestStore(t), 30*time.Minute)

	now := time.Unix(1_700_000_000, 0)
	sc.now = func() time.Time { return now }

	masterKey := []byte("0123456789abcdef0123456789abcdef")
	if err := sc.Establish(masterKey); err != nil {
		t.Fatalf("Establish failed: %v", err)
	}

	// Just inside the window.
	now = now.Add(29 * time.Minute)
	key, _ := sc.Fetch()
	if key == nil {
		t.Fatal("Session expired early")
	}

	// Past the window.
	now = now.Add(2 * time.Minute)
	key, err := sc.Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if key != nil {
		t.Error("Expected nil after expiry")
	}

	// Expiry purges the durable record too.
	record, _ := sc.store.GetSession()
	if record != nil {
		t.Error("Durable session record not purged on expiry")
	}
}

func TestSessionInvalidate(t *testing.T) {
	sc := NewSessionCache(newTestStore(t), 30*time.Minute)

	if err := sc.Establish([]byte("0123456789abcdef0123456789abcdef")); err != nil {
		t.Fatalf("Establish failed: %v", err)
	}

	sc.Invalidate()

	key, err := sc.Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if key != nil {
		t.Error("Expected nil after invalidate")
	}
}

func TestSessionDoesNotSurviveProcessRestart(t *testing.T) {
	store := newTestStore(t)

	sc1 := NewSessionCache(store, 30*time.Minute)
	if err := sc1.Establish([]byte("0123456789abcdef0123456789abcdef")); err != nil {
		t.Fatalf("Establish failed: %v", err)
	}

	// A fresh cache over the same store has no ephemeral key; the
	// durable record alone must not yield the master key.
	sc2 := NewSessionCache(store, 30*time.Minute)
	key, err := sc2.Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if key != nil {
		t.Error("Session leaked across cache instances")
	}
}

func TestSessionReplacement(t *testing.T) {
	sc := NewSessionCache(newTestStore(t), 30*time.Minute)

	first := []byte("first-master-key-0123456789abcd!")
	second := []byte("second-master-key-0123456789abc!")

	if err := sc.Establish(first); err != nil {
		t.Fatalf("Establish failed: %v", err)
	}
	if err := sc.Establish(second); err != nil {
		t.Fatalf("Second establish failed: %v", err)
	}

	fetched, _ := sc.Fetch()
	if !bytes.Equal(fetched, second) {
		t.Error("Fetch did not return the latest session's key")
	}
}
