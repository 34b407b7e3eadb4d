package httpapi

import (
	"errors"
	"net/http"

	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/logging"
	"github.com/dmitrijs2005/roomies/internal/server/services"
	"github.com/dmitrijs2005/roomies/internal/wire"
)

// writeError maps a service error onto a status code and ErrorBody.
// Unmapped errors are logged and reported as 500.
func writeError(log logging.Logger, w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *common.ValidationError
		vc *common.VersionConflictError
	)
	switch {
	case errors.As(err, &ve):
		writeErrorBody(w, http.StatusUnprocessableEntity, wire.ErrorBody{Error: wire.CodeValidation, Message: ve.Reason, Field: ve.Field})
	case errors.As(err, &vc):
		writeErrorBody(w, http.StatusConflict, wire.ErrorBody{
			Error:           wire.CodeVersionConflict,
			Message:         "entity was changed by someone else",
			Current:         vc.Current,
			LastMutationKey: vc.LastMutationKey,
		})
	case errors.Is(err, common.ErrInvalidCredentials):
		writeErrorBody(w, http.StatusUnauthorized, wire.ErrorBody{Error: wire.CodeInvalidCredentials, Message: "invalid email or password"})
	case errors.Is(err, common.ErrIdentifierInUse):
		writeErrorBody(w, http.StatusConflict, wire.ErrorBody{Error: wire.CodeIdentifierInUse, Message: "email already registered"})
	case errors.Is(err, common.ErrRefreshTokenExpired):
		writeErrorBody(w, http.StatusUnauthorized, wire.ErrorBody{Error: wire.CodeRefreshExpired, Message: "refresh token expired"})
	case errors.Is(err, common.ErrTokenExpired):
		writeErrorBody(w, http.StatusUnauthorized, wire.ErrorBody{Error: wire.CodeTokenExpired, Message: "access token expired"})
	case errors.Is(err, common.ErrUnauthorized), errors.Is(err, common.ErrInvalidToken):
		writeErrorBody(w, http.StatusUnauthorized, wire.ErrorBody{Error: wire.CodeUnauthorized, Message: "unauthorized"})
	case errors.Is(err, common.ErrForbidden):
		writeErrorBody(w, http.StatusForbidden, wire.ErrorBody{Error: wire.CodeForbidden, Message: "forbidden"})
	case errors.Is(err, common.ErrNotFound):
		writeErrorBody(w, http.StatusNotFound, wire.ErrorBody{Error: wire.CodeNotFound, Message: "not found"})
	case errors.Is(err, services.ErrHouseholdPending):
		w.Header().Set("Retry-After", "5")
		writeErrorBody(w, http.StatusServiceUnavailable, wire.ErrorBody{Error: wire.CodeDependencyPending, Message: err.Error()})
	default:
		log.Error(r.Context(), "request failed",
			"request_id", RequestIDFrom(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		writeErrorBody(w, http.StatusInternalServerError, wire.ErrorBody{Error: wire.CodeInternal, Message: "internal server error"})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeErrorBody(w, http.StatusBadRequest, wire.ErrorBody{Error: wire.CodeBadRequest, Message: msg})
}

func writeErrorBody(w http.ResponseWriter, status int, body wire.ErrorBody) {
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := wire.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
