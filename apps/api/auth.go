package main

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/auth"
)

// AuthMiddleware admits requests carrying a valid bearer token and puts its claims on the context.
func AuthMiddleware(signer *auth.Signer, log *zap.SugaredLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		claims, err := signer.ValidateToken(auth.BearerToken(tokenString))
		if err != nil {
			log.Debugw("token rejected", "path", r.URL.Path, "error", err)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// caller returns the authenticated user. Routes are always wrapped in AuthMiddleware.
func caller(r *http.Request) *auth.Claims {
	claims, _ := auth.FromContext(r.Context())
	return claims
}
