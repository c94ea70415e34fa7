package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"go.uber.org/zap"
)

func (s *Server) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Error("panic", zap.Error(panicError), zap.String("path", r.URL.Path), zap.Stack("stack"))
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userId, err := s.extractUserId(r)
		if err != nil {
			if !errors.Is(err, errNoIdentity) {
				s.log.Info("rejected identity", zap.Error(err))
			}
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		ctx := WithUserId(r.Context(), userId)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}

// accessLog logs one entry per request once the response is written.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return handlers.CustomLoggingHandler(io.Discard, next, func(_ io.Writer, p handlers.LogFormatterParams) {
		s.log.Info("request",
			zap.String("method", p.Request.Method),
			zap.String("path", p.URL.Path),
			zap.Int("status", p.StatusCode),
			zap.Int("size", p.Size),
			zap.Duration("duration", time.Since(p.TimeStamp)),
			zap.String("remote", p.Request.RemoteAddr),
		)
	})
}
