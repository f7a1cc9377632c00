package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/repository"
)

// ProcedureService runs the remote procedures behind /rest/v1/rpc/{name}.
//
// A procedure that ran but refused (bad code, already paired) answers with
// Success=false and an error code, not an error: the call itself worked.
// Only an unknown procedure, a malformed argument list or a storage failure
// comes back as an error.
type ProcedureService struct {
	pairing repository.PairingRepository
	logger  *slog.Logger
}

func NewProcedureService(pairing repository.PairingRepository, logger *slog.Logger) *ProcedureService {
	return &ProcedureService{pairing: pairing, logger: logger}
}

// Call dispatches name for caller.
func (s *ProcedureService) Call(ctx context.Context, caller, name string, args map[string]any) (*gateway.RPCResult, error) {
	if caller == "" {
		return &gateway.RPCResult{ErrorCode: gateway.CodeNotAuthenticated, Message: "no user is signed in"}, nil
	}

	var (
		data map[string]any
		err  error
	)
	switch name {
	case gateway.ProcPairUsers:
		data, err = s.pairUsers(ctx, caller, args)
	case gateway.ProcUnpairUsers:
		data, err = s.unpairUsers(ctx, caller, args)
	case gateway.ProcRequestPairing:
		data, err = s.requestPairing(ctx, caller, args)
	case gateway.ProcRespondPairing:
		data, err = s.respondPairing(ctx, caller, args)
	default:
		return nil, apperror.Unavailable("procedure " + name)
	}

	if err != nil {
		res, ok := refusal(err)
		if !ok {
			return nil, err
		}
		s.logger.Info("procedure refused",
			slog.String("procedure", name),
			slog.String("userID", caller),
			slog.String("code", res.ErrorCode),
		)
		return res, nil
	}
	s.logger.Info("procedure succeeded", slog.String("procedure", name), slog.String("userID", caller))
	return &gateway.RPCResult{Success: true, Data: data}, nil
}

func (s *ProcedureService) pairUsers(ctx context.Context, caller string, args map[string]any) (map[string]any, error) {
	code, err := stringArg(args, "partner_code_input")
	if err != nil {
		return nil, err
	}
	partner, err := s.pairing.PairUsers(ctx, caller, code)
	if err != nil {
		return nil, err
	}
	return map[string]any{"partner_id": partner.ID, "partner_name": partner.Name}, nil
}

// unpairUsers only ever unpairs the caller. The user_id argument is checked
// rather than trusted.
func (s *ProcedureService) unpairUsers(ctx context.Context, caller string, args map[string]any) (map[string]any, error) {
	if v, ok := args["user_id"]; ok {
		id, _ := v.(string)
		if id != caller {
			return nil, apperror.Forbidden("you can only unpair yourself")
		}
	}
	if err := s.pairing.UnpairUsers(ctx, caller); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *ProcedureService) requestPairing(ctx context.Context, caller string, args map[string]any) (map[string]any, error) {
	code, err := stringArg(args, "partner_code_input")
	if err != nil {
		return nil, err
	}
	req, err := s.pairing.RequestPairing(ctx, caller, code)
	if err != nil {
		return nil, err
	}
	return map[string]any{"request_id": req.ID, "to_user_id": req.ToUserID}, nil
}

func (s *ProcedureService) respondPairing(ctx context.Context, caller string, args map[string]any) (map[string]any, error) {
	id, err := stringArg(args, "request_id")
	if err != nil {
		return nil, err
	}
	accept, ok := args["accept"].(bool)
	if !ok {
		return nil, apperror.ValidationFailed("accept", "accept must be true or false")
	}
	req, err := s.pairing.RespondPairingRequest(ctx, caller, id, accept)
	if err != nil {
		return nil, err
	}
	data := map[string]any{"request_id": req.ID, "status": string(req.Status)}
	if accept {
		data["partner_id"] = req.FromUserID
	}
	return data, nil
}

// refusal turns a domain error into a Success=false result. ok is false
// for errors that should fail the call itself.
func refusal(err error) (*gateway.RPCResult, bool) {
	var code string
	switch {
	case errors.Is(err, apperror.ErrInvalidCode):
		code = gateway.CodeInvalidCode
	case errors.Is(err, repository.ErrSelfPairing):
		code = gateway.CodeSelfPairing
	case errors.Is(err, apperror.ErrAlreadyPaired):
		code = gateway.CodeAlreadyPaired
	case errors.Is(err, apperror.ErrNotFound):
		code = gateway.CodeNotFound
	case errors.Is(err, apperror.ErrConflict):
		code = ""
	default:
		return nil, false
	}
	return &gateway.RPCResult{ErrorCode: code, Message: message(err)}, true
}

func message(err error) string {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", apperror.ValidationFailed(key, fmt.Sprintf("%s is required", key))
	}
	return v, nil
}
