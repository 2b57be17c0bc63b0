// Package httpkernel assembles the kernel's HTTP surface: the fixed
// middleware pipeline, the JSON response envelope, health endpoints, and
// route registration for auth, jobs, workspaces, and admin database
// operations.
package httpkernel

import (
	"net/http"

	"github.com/wisbric/kernel/pkg/httpresp"
)

// Respond, RespondError, DecodeJSON, and ErrorResponse are re-exported
// from pkg/httpresp so every existing call site in this repo (and any
// embedder's) keeps working unchanged. The implementations live in
// httpresp, a leaf package with no dependency on pkg/auth, so that
// pkg/auth itself can depend on the response envelope without this
// package's dependency on pkg/auth (for the auth middleware) creating an
// import cycle.
type ErrorResponse = httpresp.ErrorResponse

func Respond(w http.ResponseWriter, status int, data any) {
	httpresp.Respond(w, status, data)
}

func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	httpresp.RespondError(w, r, err)
}

func DecodeJSON(r *http.Request, dst any) error {
	return httpresp.DecodeJSON(r, dst)
}
