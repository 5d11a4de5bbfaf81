package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const userIDKey contextKey = "heard_user_id"

// UserAuthMiddleware проверяет подписанные auth_data по секрету сервиса.
// auth_data — это пары key=value, соединённые через &; пара hash=<hex hmac-sha256>
// считается по остальным парам, отсортированным и соединённым через перевод
// строки. Среди пар обязателен user_id.
func UserAuthMiddleware(tokenSecret string) func(http.Handler) http.Handler {
	secret := sha256.Sum256([]byte(tokenSecret))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authData := r.URL.Query().Get("auth_data")
			if authData == "" {
				WriteError(w, http.StatusUnauthorized, "auth_data отсутствует")
				return
			}
			userID, ok := validateAuthData(authData, secret[:])
			if !ok {
				WriteError(w, http.StatusUnauthorized, "подпись недействительна")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
		})
	}
}

// UserID возвращает идентификатор пользователя, положенный middleware в контекст.
func UserID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(userIDKey).(uuid.UUID)
	return id, ok
}

func validateAuthData(authData string, secret []byte) (uuid.UUID, bool) {
	var signature string
	parts := make([]string, 0, 4)
	for _, part := range strings.Split(authData, "&") {
		if rest, ok := strings.CutPrefix(part, "hash="); ok {
			signature = rest
			continue
		}
		parts = append(parts, part)
	}
	if signature == "" || len(parts) == 0 {
		return uuid.Nil, false
	}
	sort.Strings(parts)
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(strings.Join(parts, "\n")))
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return uuid.Nil, false
	}
	if !hmac.Equal(h.Sum(nil), expected) {
		return uuid.Nil, false
	}
	for _, part := range parts {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) == 2 && kv[0] == "user_id" {
			userID, err := uuid.Parse(kv[1])
			if err != nil {
				return uuid.Nil, false
			}
			return userID, true
		}
	}
	return uuid.Nil, false
}
