package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/duo-routine/internal/gateway"
)

// ProcedureRunner is satisfied by *service.ProcedureService.
type ProcedureRunner interface {
	Call(ctx context.Context, caller, name string, args map[string]any) (*gateway.RPCResult, error)
}

// RPCHandler serves remote procedures.
type RPCHandler struct {
	procs  ProcedureRunner
	logger *slog.Logger
}

func NewRPCHandler(procs ProcedureRunner, logger *slog.Logger) *RPCHandler {
	return &RPCHandler{procs: procs, logger: logger}
}

// HandleCall runs one procedure.
//
// HTTP: POST /rest/v1/rpc/{name}
// REQUEST BODY: the procedure's named arguments, e.g. {"partner_code_input": "AB12CD"}
//
// A refusal (bad code, already paired) is still a 200: the envelope's
// success=false and error_code say what happened. An unknown procedure is
// a 404 with error "unavailable".
func (h *RPCHandler) HandleCall(w http.ResponseWriter, r *http.Request) {
	args := map[string]any{}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &args); err != nil {
			writeError(w, err)
			return
		}
	}
	res, err := h.procs.Call(r.Context(), caller(r), chi.URLParam(r, "name"), args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
