// Package respond writes the JSON response shapes shared by every endpoint.
package respond

import (
	"encoding/json"
	"net/http"
)

// JSON writes v with the given status code. Encode errors are ignored since
// the status line is already on the wire by then.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Err writes the standard {ok:false, error} failure body.
func Err(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}{false, msg})
}
