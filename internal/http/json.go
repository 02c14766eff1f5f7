package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
)

// maxRequestBody caps request bodies; task configs are small documents.
const maxRequestBody = 1 << 20

// DecodeJSON decodes the request body into dst, rejecting unknown
// fields and oversized bodies. It reports false after writing the
// error response itself.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
			return false
		}
		WriteError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body) // client disconnects are not recoverable here
}

// WriteError writes the standard JSON error body.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, map[string]string{"error": code, "message": message})
}
