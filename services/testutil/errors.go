package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidRequest         = "INVALID_REQUEST"
	ErrorCodeInsufficientLiquidity  = "INSUFFICIENT_LIQUIDITY"
	ErrorCodeReserveNotProvisioned  = "RESERVE_NOT_PROVISIONED"
	ErrorCodeNoProviderAvailable    = "NO_PROVIDER_AVAILABLE"
	ErrorCodeOrderNotFound          = "ORDER_NOT_FOUND"
	ErrorCodeProviderNotFound       = "PROVIDER_NOT_FOUND"
	ErrorCodeOrderNotSettleable     = "ORDER_NOT_SETTLEABLE"
	ErrorCodeOrderAlreadyAssigned   = "ORDER_ALREADY_ASSIGNED"
	ErrorCodeSettlementInProgress   = "SETTLEMENT_IN_PROGRESS"
	ErrorCodeSettlementUnreconciled = "SETTLEMENT_UNRECONCILED"
	ErrorCodeNoSettlementWallet     = "NO_SETTLEMENT_WALLET"
	ErrorCodeTransferFailed         = "TRANSFER_FAILED"
	ErrorCodeInternalError          = "INTERNAL_ERROR"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	if resp.Code != HTTPStatusForErrorCode(expectedCode) {
		t.Fatalf("expected status %d, got %d", HTTPStatusForErrorCode(expectedCode), resp.Code)
	}

	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}

	if errResp.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, errResp.Code)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d: %s", expectedStatus, resp.Code, resp.Body.String())
	}
}

// HTTPStatusForErrorCode mirrors the status mapping of the settlement ops API.
func HTTPStatusForErrorCode(code string) int {
	switch code {
	case ErrorCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrorCodeReserveNotProvisioned, ErrorCodeOrderNotFound, ErrorCodeProviderNotFound:
		return http.StatusNotFound
	case ErrorCodeInsufficientLiquidity, ErrorCodeNoProviderAvailable, ErrorCodeOrderNotSettleable,
		ErrorCodeOrderAlreadyAssigned, ErrorCodeSettlementInProgress, ErrorCodeSettlementUnreconciled:
		return http.StatusConflict
	case ErrorCodeNoSettlementWallet:
		return http.StatusUnprocessableEntity
	case ErrorCodeTransferFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
