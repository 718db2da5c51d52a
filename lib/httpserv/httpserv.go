package httpserv

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

type Route struct {
	Method     string
	Path       string
	Handler    http.HandlerFunc
	Middleware func(http.HandlerFunc) http.HandlerFunc
}

func RegisterRoutes(mux *http.ServeMux, routes ...Route) {
	for _, route := range routes {
		if route.Handler == nil {
			panic("route handler cannot be nil")
		}
		handler := route.Handler
		if route.Middleware != nil {
			handler = route.Middleware(handler)
		}
		mux.HandleFunc(strings.Join([]string{route.Method, route.Path}, " "), handler)
	}
}

// RequireJSON rejects requests that carry a body with a non-JSON content type.
// Requests without a body pass through, some routes take an optional body.
func RequireJSON(next http.HandlerFunc) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		if request.ContentLength != 0 {
			contentType := request.Header.Get("Content-Type")
			if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
				Error(writer, http.StatusUnsupportedMediaType, "expected application/json")
				return
			}
		}
		next(writer, request)
	}
}

// JSON writes v as a JSON response body with the given status code.
func JSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write JSON response")
	}
}

// Error writes a sanitized JSON error response. The message must not contain
// exception detail from collaborators.
func Error(writer http.ResponseWriter, status int, message string) {
	JSON(writer, status, map[string]string{"error": message})
}

// DecodeJSON reads the request body into target, rejecting unknown fields.
func DecodeJSON(request *http.Request, target any) error {
	decoder := json.NewDecoder(request.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}
