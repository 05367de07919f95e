package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type testHandler struct {
	registered bool
}

func (h *testHandler) Register(e *echo.Echo) {
	h.registered = true
	e.GET("/registered", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
}

func TestNewServerRegistersHandlers(t *testing.T) {
	t.Parallel()

	handler := &testHandler{}
	s := NewServer(":0", nil, []Handler{handler, nil})

	if !handler.registered {
		t.Fatal("handler was not registered")
	}

	req := httptest.NewRequest(http.MethodGet, "/registered", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200 got %d", rec.Code)
	}
}

func TestNewServerDefaultsAddr(t *testing.T) {
	t.Parallel()

	s := NewServer("", nil, nil)
	if s.addr != ":8080" {
		t.Fatalf("want default addr :8080 got %q", s.addr)
	}
}
