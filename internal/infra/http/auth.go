package http

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"tg-mailing-bot/internal/domain"
)

// BearerAuth пропускает только запросы с заголовком Authorization: Bearer <token>.
// Пустой токен отключает админский API целиком.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				WriteJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "админский API отключён", Code: "disabled"})
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				WriteJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "неверный токен", Code: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID возвращает request ID из контекста chi.
func RequestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// ErrorResponse описывает ошибку.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// StatusFor подбирает HTTP-статус для доменной ошибки.
func StatusFor(err error) int {
	switch domain.ErrorCode(err) {
	case "not_found":
		return http.StatusNotFound
	case "already_active":
		return http.StatusConflict
	case "not_authorized", "account_disabled":
		return http.StatusForbidden
	case "invalid":
		return http.StatusBadRequest
	case "not_ready":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError отправляет JSON с ошибкой и её машинным кодом.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(err), ErrorResponse{Error: err.Error(), Code: domain.ErrorCode(err)})
}

// WriteJSON отправляет ответ в JSON.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
