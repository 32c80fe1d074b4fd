package adminapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"liquidator/internal/registry"
	"liquidator/internal/statemachine"
)

func testBands() statemachine.Bands {
	return statemachine.Bands{Watch: 1.10, Critical: 1.04, Liquidatable: 1.00}
}

func signedToken(t *testing.T, secret string, expiry time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(expiry).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	s := &Server{Registry: registry.New(testBands()), Auth: NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: "secret"})}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()
	s.Router().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
}

func TestBorrowersRejectsMissingToken(t *testing.T) {
	s := &Server{Registry: registry.New(testBands()), Auth: NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: "secret"})}
	req := httptest.NewRequest(http.MethodGet, "/borrowers", nil)
	res := httptest.NewRecorder()
	s.Router().ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestBorrowersAcceptsValidToken(t *testing.T) {
	reg := registry.New(testBands())
	reg.Upsert("0xabc", statemachine.Safe)
	s := &Server{Registry: reg, Auth: NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: "secret"})}

	req := httptest.NewRequest(http.MethodGet, "/borrowers", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "secret", time.Minute))
	res := httptest.NewRecorder()
	s.Router().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
}

func TestBorrowersRejectsExpiredToken(t *testing.T) {
	s := &Server{Registry: registry.New(testBands()), Auth: NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: "secret"})}
	req := httptest.NewRequest(http.MethodGet, "/borrowers", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, "secret", -10*time.Minute))
	res := httptest.NewRecorder()
	s.Router().ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", res.Code)
	}
}

func TestGetBorrowerNotFound(t *testing.T) {
	s := &Server{Registry: registry.New(testBands()), Auth: NewAuthenticator(AuthConfig{Enabled: false})}
	req := httptest.NewRequest(http.MethodGet, "/borrowers/0xdead", nil)
	res := httptest.NewRecorder()
	s.Router().ServeHTTP(res, req)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestDisabledAuthAllowsRequests(t *testing.T) {
	reg := registry.New(testBands())
	reg.Upsert("0xabc", statemachine.Safe)
	s := &Server{Registry: reg, Auth: NewAuthenticator(AuthConfig{Enabled: false})}
	req := httptest.NewRequest(http.MethodGet, "/borrowers", nil)
	res := httptest.NewRecorder()
	s.Router().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 with auth disabled, got %d", res.Code)
	}
}
