package auth

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fruitsalade/dropzone/internal/events"
)

const testSecret = "test-secret"

func TestLoginPublishesSessionInitialized(t *testing.T) {
	bus := events.NewBroadcaster()
	var got int
	bus.Handle(events.EventSessionInitialized, func(events.Event) { got++ })

	s := NewSession(testSecret, bus)
	if s.Authenticated() {
		t.Fatal("new session should be unauthenticated")
	}
	if _, err := s.Token(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Token err = %v, want ErrNoSession", err)
	}

	tok, _, err := Issue(testSecret, "alice", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := s.Login(tok); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got != 1 {
		t.Errorf("session.initialized published %d times, want 1", got)
	}
	if s.Username() != "alice" || !s.Authenticated() {
		t.Errorf("username = %q authenticated = %v", s.Username(), s.Authenticated())
	}

	s.Logout()
	if s.Authenticated() {
		t.Error("expected logged out")
	}
}

func TestLoginRejectsBadTokens(t *testing.T) {
	s := NewSession(testSecret, nil)

	other, _, _ := Issue("other-secret", "bob", time.Hour)
	if err := s.Login(other); err == nil {
		t.Error("token signed with another secret should be rejected")
	}

	expired, _, _ := Issue(testSecret, "bob", -time.Minute)
	if err := s.Login(expired); err == nil {
		t.Error("expired token should be rejected")
	}

	if err := s.Login("not-a-jwt"); err == nil {
		t.Error("garbage should be rejected")
	}
	if s.Authenticated() {
		t.Error("failed logins must not authenticate")
	}
}

func TestUnverifiedSessionChecksExpiry(t *testing.T) {
	s := NewSession("", nil)

	tok, _, _ := Issue("server-secret", "carol", time.Hour)
	if err := s.Login(tok); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if s.Username() != "carol" {
		t.Errorf("username = %q", s.Username())
	}

	expired, _, _ := Issue("server-secret", "carol", -time.Minute)
	if err := s.Login(expired); err == nil {
		t.Error("expired token should be rejected without a secret too")
	}
}

func TestTokenFileRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dropzone", "token.json")
	s := NewSession(testSecret, nil)

	if err := s.Restore(path); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Restore without file err = %v", err)
	}

	tok, exp, _ := Issue(testSecret, "dave", time.Hour)
	if err := SaveToken(path, &TokenFile{Token: tok, ExpiresAt: exp, Username: "dave"}); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	if err := s.Restore(path); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if s.Username() != "dave" {
		t.Errorf("username = %q", s.Username())
	}

	if err := SaveToken(path, &TokenFile{Token: tok, ExpiresAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	if err := NewSession(testSecret, nil).Restore(path); !errors.Is(err, ErrNoSession) {
		t.Errorf("expired file err = %v", err)
	}

	if err := DeleteToken(path); err != nil {
		t.Fatalf("DeleteToken: %v", err)
	}
	if err := DeleteToken(path); err != nil {
		t.Errorf("second DeleteToken: %v", err)
	}
}

func TestTokenFileIsExpired(t *testing.T) {
	tf := &TokenFile{ExpiresAt: time.Now().Add(30 * time.Minute)}
	if tf.IsExpired(0) {
		t.Error("should not be expired yet")
	}
	if !tf.IsExpired(time.Hour) {
		t.Error("should be expired within a one hour margin")
	}
}
