package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mxsafiri/nedapay-plus--sub001/libs/logging"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), Logger(logging.Discard()), Recovery(logging.Discard()))
	r.GET("/ok", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"request_id": RequestIDFrom(c)}) })
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	return r
}

func TestRequestIDGenerated(t *testing.T) {
	w := httptest.NewRecorder()
	newRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if w.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("expected generated request id")
	}
}

func TestRequestIDPropagated(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	newRouter().ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "req-123" {
		t.Fatalf("expected propagated request id, got %q", got)
	}
}

func TestRecoveryReturns500(t *testing.T) {
	w := httptest.NewRecorder()
	newRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}
