package server

import (
	"bytes"
	"io"
	"mime"
	"net/http"

	"github.com/rs/xid"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"groupchat/internal/apperr"
	"groupchat/internal/auth"
	"groupchat/internal/storage/zapadapter"
)

const maxBodySize = 1 << 20

// enforceJSON is a middleware pre-processing requests that carry a body
// it checks for application/json Content-Type header and valid json body
// it also sets blank Content-Type header to application/json
func enforceJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPut {
			next.ServeHTTP(w, r)
			return
		}

		// check "Content-Type" header
		contentType := r.Header.Get("Content-Type")
		if contentType != "" {
			mt, _, err := mime.ParseMediaType(contentType)
			if err != nil {
				writeError(w, apperr.Validation("malformed Content-Type header"))
				return
			}

			if mt != "application/json" {
				http.Error(w, "Content-Type header must be application/json", http.StatusUnsupportedMediaType)
				return
			}
		} else {
			r.Header.Set("Content-Type", "application/json")
		}

		// check if provided request body is valid JSON
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
		if err != nil {
			writeError(w, apperr.Validation("can not read request body"))
			return
		}
		if len(body) > maxBodySize {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}

		if len(body) == 0 {
			// bodiless actions such as POST /servers/{id}/join
			if contentType == "" {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, apperr.Validation("no body provided"))
			return
		}

		if err := fastjson.ValidateBytes(body); err != nil {
			writeError(w, apperr.Validation("malformed JSON"))
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))

		next.ServeHTTP(w, r)
	})
}

func log(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := xid.New().String()

		ctx := zapadapter.NewContextWithID(r.Context(), id)
		rwID := r.WithContext(ctx)

		logger.Info("incoming http request",
			zap.String("id", id),
			zap.String("method", r.Method),
			zap.String("uri", r.URL.Path),
			zap.String("ip", r.RemoteAddr),
		)

		next.ServeHTTP(w, rwID)
	})
}

// authenticate rejects requests without a valid bearer token and puts the identity into the context
func authenticate(next http.Handler, verifier *auth.Verifier, logger *zap.SugaredLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := verifier.Verify(auth.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			logger.Desugar().Debug("rejected request", append(zapadapter.Fields(r.Context()), zap.Error(err))...)
			writeError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}
