package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/wabridge/server/internal/adapter"
)

type sendRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Routes registers the command endpoints on r.
func (g *Gateway) Routes(r chi.Router) {
	r.Get("/status", g.handleStatus)
	r.Post("/initialize", g.handleInitialize)
	r.Post("/send-message", g.handleSendMessage)
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.Status(r.Context()))
}

func (g *Gateway) handleInitialize(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.Initialize(r.Context()))
}

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	res, err := g.SendMessage(r.Context(), req.PhoneNumber, req.Message)
	if err != nil {
		status, body := errorFor(err)
		if status >= http.StatusInternalServerError {
			g.log.Error("send-message failed", zap.Error(err))
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func errorFor(err error) (int, errorResponse) {
	var dfe *adapter.DeliveryFailedError
	switch {
	case errors.Is(err, adapter.ErrInvalidArgument):
		return http.StatusBadRequest, errorResponse{Error: "phone number and message are required"}
	case errors.Is(err, adapter.ErrPreconditionFailed):
		return http.StatusBadRequest, errorResponse{Error: "WhatsApp is not connected"}
	case errors.As(err, &dfe):
		return http.StatusInternalServerError, errorResponse{Error: "failed to send message", Details: dfe.Details()}
	}
	return http.StatusInternalServerError, errorResponse{Error: "failed to send message", Details: err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
