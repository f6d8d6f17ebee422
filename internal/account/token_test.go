package account

import (
	"strings"
	"testing"
	"time"
)

func newTestSigner(t *testing.T) *TokenSigner {
	t.Helper()
	s, err := NewTokenSigner([]byte(strings.Repeat("s", 32)), time.Hour)
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}
	return s
}

func TestTokenSigner_RoundTrip(t *testing.T) {
	s := newTestSigner(t)
	token, expires, err := s.Issue("alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(expires) <= 0 {
		t.Errorf("expected expiry in the future, got %s", expires)
	}
	sub, err := s.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if sub != "alice" {
		t.Errorf("expected subject alice, got %q", sub)
	}
}

func TestTokenSigner_Rejects(t *testing.T) {
	s := newTestSigner(t)
	token, _, _ := s.Issue("alice")

	other, _ := NewTokenSigner([]byte(strings.Repeat("o", 32)), time.Hour)
	expired := newTestSigner(t)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, _, _ := expired.Issue("alice")

	tests := []struct {
		name    string
		signer  *TokenSigner
		token   string
		wantErr string
	}{
		{"missing", s, "", "A token must be provided with this request."},
		{"garbage", s, "not-a-token", "This token cannot be asserted and should not be trusted."},
		{"wrong key", other, token, "This token cannot be asserted and should not be trusted."},
		{"expired", s, stale, "This token cannot be asserted and should not be trusted."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.signer.Verify(tt.token)
			if err == nil || err.Error() != tt.wantErr {
				t.Errorf("expected %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNewTokenSigner_Validates(t *testing.T) {
	if _, err := NewTokenSigner(nil, time.Hour); err == nil {
		t.Error("expected error for empty key")
	}
	if _, err := NewTokenSigner([]byte("k"), 0); err == nil {
		t.Error("expected error for zero ttl")
	}
}
