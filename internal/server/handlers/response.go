package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/watzon/fixiplug/internal/hooks"
	"github.com/watzon/fixiplug/internal/requestctx"
)

// HookErrorHeader is set to "true" on 200 responses whose event carries an
// "error" key, so clients can branch without decoding the body.
const HookErrorHeader = "X-Hook-Error"

// ErrorResponse uses the same "error" key as hook results, so a client can
// check one field for both transport and hook failures.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// JSON encodes data before writing the status, so a value that cannot be
// serialized (a handler returning a channel, say) yields a clean 500.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")

	if data == nil {
		w.WriteHeader(status)
		return
	}

	body, err := json.Marshal(data)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		body, _ = json.Marshal(ErrorResponse{
			Error: "response is not serializable: " + err.Error(),
			Code:  "ENCODE_FAILED",
		})
		_, _ = w.Write(append(body, '\n'))
		return
	}

	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

// HookResult writes the event a dispatch produced. Hook-level failures are
// data, so the status stays 200 and only the header flags them.
func HookResult(w http.ResponseWriter, ev hooks.Event) {
	if ev.Err() != "" {
		w.Header().Set(HookErrorHeader, "true")
	}
	JSON(w, http.StatusOK, ev)
}

func Error(w http.ResponseWriter, status int, code string, message string) {
	JSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// RequestError is Error tagged with the request ID from r.
func RequestError(w http.ResponseWriter, r *http.Request, status int, code string, message string) {
	JSON(w, status, ErrorResponse{
		Error:     message,
		Code:      code,
		RequestID: requestctx.RequestID(r.Context()),
	})
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, "NOT_FOUND", message)
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, "BAD_REQUEST", message)
}
