package server

import (
	"encoding/json"
	"net/http"

	"nhbstable/services/stabled/app"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusFor(code app.Code) int {
	switch code {
	case app.CodeOK:
		return http.StatusOK
	case app.CodeInvalidRequest, app.CodeInvalidAmount, app.CodeInvalidPrice, app.CodeInvalidConfiguration, app.CodeOverflow:
		return http.StatusBadRequest
	case app.CodeUnsupportedAsset:
		return http.StatusNotFound
	case app.CodeForbidden:
		return http.StatusForbidden
	case app.CodeReentrantCall:
		return http.StatusConflict
	case app.CodeHealthFactorBroken, app.CodeHealthFactorIsFine, app.CodeNotImproved, app.CodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case app.CodeTransferFailed, app.CodeMintFailed:
		return http.StatusBadGateway
	case app.CodePaused, app.CodeStalePrice:
		return http.StatusServiceUnavailable
	case app.CodeCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	code := app.Classify(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("stable request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, string(code), err.Error())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
