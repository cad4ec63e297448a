package dkimstore

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestActiveKeyMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.ActiveKey("example.com"); err != ErrNoKey {
		t.Fatalf("ActiveKey = %v, want ErrNoKey", err)
	}
}

func TestRotateAndActiveKey(t *testing.T) {
	s := openTestStore(t)
	now := time.Unix(1700000000, 0).UTC()

	if err := s.Rotate("example.com", "selector1", []byte("key1"), now); err != nil {
		t.Fatalf("Rotate (first): %v", err)
	}
	k, err := s.ActiveKey("example.com")
	if err != nil {
		t.Fatalf("ActiveKey: %v", err)
	}
	if k.Selector != "selector1" || string(k.PrivateKey) != "key1" {
		t.Errorf("key = %+v", k)
	}

	later := now.Add(24 * time.Hour)
	if err := s.Rotate("example.com", "selector2", []byte("key2"), later); err != nil {
		t.Fatalf("Rotate (second): %v", err)
	}
	k2, err := s.ActiveKey("example.com")
	if err != nil {
		t.Fatalf("ActiveKey after rotation: %v", err)
	}
	if k2.Selector != "selector2" {
		t.Errorf("Selector = %q, want selector2", k2.Selector)
	}

	events, err := s.RotationHistory("example.com")
	if err != nil {
		t.Fatalf("RotationHistory: %v", err)
	}
	if len(events) != 1 || events[0].OldSelector != "selector1" || events[0].NewSelector != "selector2" {
		t.Fatalf("events = %+v", events)
	}
}

func TestRecordDetectedSelector(t *testing.T) {
	s := openTestStore(t)
	first := time.Unix(1700000000, 0).UTC()
	second := first.Add(time.Hour)

	if err := s.RecordDetectedSelector("example.com", "selector1", first); err != nil {
		t.Fatalf("RecordDetectedSelector (first): %v", err)
	}
	if err := s.RecordDetectedSelector("example.com", "selector1", second); err != nil {
		t.Fatalf("RecordDetectedSelector (second): %v", err)
	}

	selectors, err := s.DetectedSelectors("example.com")
	if err != nil {
		t.Fatalf("DetectedSelectors: %v", err)
	}
	if len(selectors) != 1 {
		t.Fatalf("selectors = %+v, want 1", selectors)
	}
	if !selectors[0].FirstSeen.Equal(first) || !selectors[0].LastSeen.Equal(second) {
		t.Errorf("selector = %+v", selectors[0])
	}
}
