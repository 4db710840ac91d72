package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func _sign_token(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func Test_valid_bearer_token_resolves_user(t *testing.T) {
	a := newAuthenticator("secret")
	r := httptest.NewRequest(http.MethodGet, "/api/tunnels", nil)
	r.Header.Set("Authorization", "Bearer "+_sign_token(t, "secret", "42"))

	userID, err := a.userID(r)
	if err != nil {
		t.Fatalf("auth failed: %v", err)
	}
	if userID != 42 {
		t.Errorf("expected user 42, got %d", userID)
	}
}

func Test_missing_authorization_header(t *testing.T) {
	a := newAuthenticator("secret")
	r := httptest.NewRequest(http.MethodGet, "/api/tunnels", nil)
	if _, err := a.userID(r); err == nil {
		t.Fatal("expected error for missing header")
	}
}

func Test_wrong_secret_rejected(t *testing.T) {
	a := newAuthenticator("secret")
	r := httptest.NewRequest(http.MethodGet, "/api/tunnels", nil)
	r.Header.Set("Authorization", "Bearer "+_sign_token(t, "other-secret", "42"))
	if _, err := a.userID(r); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func Test_expired_token_rejected(t *testing.T) {
	a := newAuthenticator("secret")
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	signed, err := token.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, "/api/tunnels", nil)
	r.Header.Set("Authorization", "Bearer "+signed)
	if _, err := a.userID(r); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func Test_non_numeric_subject_rejected(t *testing.T) {
	a := newAuthenticator("secret")
	r := httptest.NewRequest(http.MethodGet, "/api/tunnels", nil)
	r.Header.Set("Authorization", "Bearer "+_sign_token(t, "secret", "alice"))
	if _, err := a.userID(r); err == nil {
		t.Fatal("expected error for non-numeric subject")
	}
}

func Test_require_returns_401_without_token(t *testing.T) {
	a := newAuthenticator("secret")
	called := false
	h := a.require(func(w http.ResponseWriter, r *http.Request, userID int64) {
		called = true
	})

	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/api/tunnels", nil))

	if called {
		t.Error("handler should not run unauthenticated")
	}
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}
