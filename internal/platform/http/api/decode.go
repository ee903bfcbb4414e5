package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// MaxBodyBytes bounds request bodies read by DecodeJSON.
const MaxBodyBytes = 64 << 10

// DecodeJSON decodes the request body into v. On failure it writes a 400 and
// returns false. An empty body leaves v untouched when allowEmpty is set.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, ReasonBadRequest, "request body too large")
			return false
		}
		WriteBadRequest(w, ReasonBadRequest, "failed to parse request body")
		return false
	}
	return true
}
