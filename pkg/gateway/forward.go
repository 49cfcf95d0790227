package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/xrelay/xrelay/pkg/handlerutils"
	"github.com/xrelay/xrelay/pkg/types"
)

type forwardKey struct{}

func forwardedStatus(ctx context.Context) (int, bool) {
	status, ok := ctx.Value(forwardKey{}).(int)
	return status, ok
}

// Forward re-dispatches r to ErrorPath through h, carrying status. When h is
// wrapped by a Gateway, the dispatch marks the client's latest logged request
// as failed if it falls inside the correlation window.
func Forward(h http.Handler, w http.ResponseWriter, r *http.Request, status int) {
	er := r.Clone(context.WithValue(r.Context(), forwardKey{}, status))
	er.URL.Path = ErrorPath
	er.URL.RawPath = ""
	er.URL.RawQuery = ""
	er.RequestURI = ErrorPath
	h.ServeHTTP(w, er)
}

// ErrorHandler renders forwarded failures as JSON. Direct requests to the
// error path get a 404.
func ErrorHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status, ok := forwardedStatus(r.Context())
		if !ok {
			status = http.StatusNotFound
		}
		handlerutils.JSON(w, status, types.ErrorResponse{Error: strings.ToLower(http.StatusText(status))})
	})
}
