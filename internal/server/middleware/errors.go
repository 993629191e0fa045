package middleware

import (
	"encoding/json"
	"net/http"
)

// writeError sends the same failure envelope the handlers use.
func writeError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   kind,
		"message": msg,
	})
}
