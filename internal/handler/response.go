package handler

import (
	"net/http"

	"github.com/openclaw/console-server-go/internal/httputil"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, data)
}

// writeError maps service errors onto HTTP statuses by their code.
func writeError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, err)
}
