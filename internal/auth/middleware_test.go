package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareValidToken(t *testing.T) {
	mgr := NewJWTManager("test-secret")
	token, _ := mgr.GenerateAccessToken("fid-42")

	var capturedFid string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedFid = FidFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	mw := Middleware(mgr)
	handler := mw(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if capturedFid != "fid-42" {
		t.Errorf("expected fid=fid-42, got %s", capturedFid)
	}
}

func TestMiddlewareMissingHeader(t *testing.T) {
	mgr := NewJWTManager("test-secret")
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})

	handler := Middleware(mgr)(inner)
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareBadFormat(t *testing.T) {
	mgr := NewJWTManager("test-secret")
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})

	handler := Middleware(mgr)(inner)

	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"bearer only", "Bearer"},
		{"empty value", "Bearer "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestMiddlewareInvalidToken(t *testing.T) {
	mgr := NewJWTManager("test-secret")
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})

	handler := Middleware(mgr)(inner)
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer invalid.jwt.token")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareCaseInsensitiveBearer(t *testing.T) {
	mgr := NewJWTManager("test-secret")
	token, _ := mgr.GenerateAccessToken("fid-1")

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := Middleware(mgr)(inner)
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for lowercase bearer, got %d", rec.Code)
	}
}

func TestRequireKeyMatch(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := RequireKey("super-secret")(inner)
	req := httptest.NewRequest(http.MethodPost, "/admin/cycle/transition", nil)
	req.Header.Set("X-Api-Key", "super-secret")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireKeyMismatch(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})

	handler := RequireKey("super-secret")(inner)

	tests := []struct {
		name string
		key  string
	}{
		{"wrong key", "not-the-key"},
		{"missing key", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin/cycle/transition", nil)
			if tt.key != "" {
				req.Header.Set("X-Api-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestRequireKeyDisabledWhenUnset(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})

	handler := RequireKey("")(inner)
	req := httptest.NewRequest(http.MethodPost, "/admin/cycle/transition", nil)
	req.Header.Set("X-Api-Key", "anything")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 when no key configured, got %d", rec.Code)
	}
}

func TestFidFromContextEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	fid := FidFromContext(req.Context())
	if fid != "" {
		t.Errorf("expected empty fid from context without auth, got %s", fid)
	}
}
