// Package httptransport is the thin HTTP layer over the escrow engine's
// services. Handlers decode, delegate, and encode; business rules live in the
// services.
package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	derrors "almoner/pkg/domain-errors"
)

// writeError renders a coded domain error as a JSON envelope. Unknown errors
// collapse to a bare 500 so internals never leak to callers.
func writeError(w http.ResponseWriter, err error) {
	code := derrors.CodeOf(err)
	status := derrors.ToHTTPStatus(code)

	message := "internal error"
	var derr *derrors.Error
	if errors.As(err, &derr) && code != derrors.CodeInternal {
		message = derr.Message
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             string(code),
		"error_description": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decode(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return derrors.New(derrors.CodeBadRequest, "invalid request body")
	}
	return nil
}
