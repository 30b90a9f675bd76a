package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMiddleware(t *testing.T) {
	a := New("hunter2")
	defer a.Close()
	token, err := a.GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := a.Middleware(ok)

	tests := []struct {
		name   string
		header string
		cookie string
		want   int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"password as bearer", "Bearer hunter2", "", http.StatusNoContent},
		{"token as bearer", "Bearer " + token, "", http.StatusNoContent},
		{"token cookie", "", token, http.StatusNoContent},
		{"wrong password", "Bearer hunter3", "", http.StatusUnauthorized},
		{"basic scheme", "Basic aHVudGVyMg==", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: CookieName, Value: tt.cookie})
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestDisabled(t *testing.T) {
	a := New("")
	defer a.Close()
	if a.IsEnabled() {
		t.Fatal("empty password should disable auth")
	}
	rec := httptest.NewRecorder()
	a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestTokenExpiry(t *testing.T) {
	a := New("pw")
	defer a.Close()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	token, err := a.GenerateToken()
	if err != nil {
		t.Fatal(err)
	}
	if !a.ValidateToken(token) {
		t.Fatal("fresh token rejected")
	}
	now = now.Add(TokenExpiry + time.Second)
	if a.ValidateToken(token) {
		t.Error("expired token accepted")
	}
	a.pruneExpired()
	if len(a.tokens) != 0 {
		t.Errorf("expired tokens kept: %d", len(a.tokens))
	}

	token, _ = a.GenerateToken()
	a.InvalidateToken(token)
	if a.ValidateToken(token) {
		t.Error("invalidated token accepted")
	}
}
