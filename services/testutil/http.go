package testutil

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
)

// MakeActorRequest sends a JSON request with the operator identity header set.
func MakeActorRequest(router *gin.Engine, method, path string, body any, actor string) *httptest.ResponseRecorder {
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor", actor)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func MakeAPIRequest(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	return MakeActorRequest(router, method, path, body, "")
}

// DecodeJSON unmarshals the recorder body into out.
func DecodeJSON(resp *httptest.ResponseRecorder, out any) error {
	return json.Unmarshal(resp.Body.Bytes(), out)
}
