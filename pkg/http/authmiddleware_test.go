package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBasicAuth(t *testing.T) {
	var reached bool
	handler := BasicAuth("authority", "s3cret")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		reached = true
	}))

	t.Run("missing credentials", func(t *testing.T) {
		reached = false
		req := httptest.NewRequest("GET", "/", nil)
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
		}
		if reached {
			t.Error("handler must not run without credentials")
		}
		if rr.Header().Get("WWW-Authenticate") == "" {
			t.Error("expected WWW-Authenticate challenge")
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		reached = false
		req := httptest.NewRequest("GET", "/", nil)
		req.SetBasicAuth("authority", "wrong")
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
		}
		if reached {
			t.Error("handler must not run with bad credentials")
		}
	})

	t.Run("wrong username", func(t *testing.T) {
		reached = false
		req := httptest.NewRequest("GET", "/", nil)
		req.SetBasicAuth("stranger", "s3cret")
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
		}
	})

	t.Run("valid credentials", func(t *testing.T) {
		reached = false
		req := httptest.NewRequest("GET", "/", nil)
		req.SetBasicAuth("authority", "s3cret")
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
		}
		if !reached {
			t.Error("handler should run with valid credentials")
		}
	})
}

func TestRequestLogging(t *testing.T) {
	handler := RequestLogging(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/status", nil))

	if rr.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusTeapot)
	}
}
