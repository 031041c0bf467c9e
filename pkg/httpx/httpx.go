package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"paylane/pkg/fault"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// WriteFault maps a taxonomy error onto the wire. Unclassified errors are
// reported as internal without leaking the underlying message.
func WriteFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	switch kind {
	case "":
		WriteError(w, 500, "INTERNAL", "internal error", nil)
	case fault.UnknownPrincipal:
		WriteError(w, 404, string(kind), err.Error(), nil)
	case fault.AccessDenied, fault.RiskBlocked:
		WriteError(w, 403, string(kind), err.Error(), nil)
	case fault.ReplayedCommitment, fault.SettlementConflict, fault.CommitmentMismatch:
		WriteError(w, 409, string(kind), err.Error(), nil)
	default:
		WriteError(w, 422, string(kind), err.Error(), nil)
	}
}
