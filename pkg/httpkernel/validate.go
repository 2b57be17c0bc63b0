package httpkernel

import (
	"net/http"

	"github.com/wisbric/kernel/pkg/httpresp"
)

// DecodeAndValidate is re-exported from pkg/httpresp; see respond.go for
// why the implementation lives there.
func DecodeAndValidate(r *http.Request, dst any) error {
	return httpresp.DecodeAndValidate(r, dst)
}
