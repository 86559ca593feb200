package collab

import (
	"bytes"
	"errors"
	"testing"
)

func TestFilterAcceptsOrdinaryTextUpdate(t *testing.T) {
	filter := NewSafetyFilter(SafetyFilterConfig{})
	if err := filter.Check([]byte(`{"ops":[{"t":"ins"}]}`), "src/main.go"); err != nil {
		t.Fatalf("expected clean update to pass: %v", err)
	}
}

func TestFilterRejectsOversizedUpdate(t *testing.T) {
	filter := NewSafetyFilter(SafetyFilterConfig{MaxUpdateBytes: 64})
	err := filter.Check(bytes.Repeat([]byte("a"), 65), "")
	if !errors.Is(err, ErrUpdateRejected) {
		t.Fatalf("expected ErrUpdateRejected, got %v", err)
	}
}

func TestFilterRejectsNullByteInLeadingWindow(t *testing.T) {
	filter := NewSafetyFilter(SafetyFilterConfig{})
	payload := append([]byte("hello"), 0x00)
	if err := filter.Check(payload, ""); !errors.Is(err, ErrUpdateRejected) {
		t.Fatalf("expected ErrUpdateRejected, got %v", err)
	}
}

func TestFilterIgnoresNullByteBeyondScanWindow(t *testing.T) {
	filter := NewSafetyFilter(SafetyFilterConfig{})
	payload := bytes.Repeat([]byte("a"), nullByteScanWindow+1)
	payload = append(payload, 0x00)
	if err := filter.Check(payload, ""); err != nil {
		t.Fatalf("null byte past the scan window should pass: %v", err)
	}
}

func TestFilterRejectsBinaryOriginExtensions(t *testing.T) {
	filter := NewSafetyFilter(SafetyFilterConfig{})
	for _, origin := range []string{"logo.png", "assets/font.WOFF2", "release.zip"} {
		if err := filter.Check([]byte("edit"), origin); !errors.Is(err, ErrUpdateRejected) {
			t.Fatalf("expected rejection for %s, got %v", origin, err)
		}
	}
	if err := filter.Check([]byte("edit"), "README.md"); err != nil {
		t.Fatalf("expected text origin to pass: %v", err)
	}
}
