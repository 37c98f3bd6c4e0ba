// Package middleware содержит HTTP middleware сервиса учёта галонов.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const memberUIDKey contextKey = "memberUID"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 365 * 24 * time.Hour
)

// AuthMiddleware выполняет проверку аутентификации участника по подписанному cookie.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет cookie авторизации и добавляет идентификатор участника в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		uid, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), memberUIDKey, uid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetAuthCookie устанавливает cookie авторизации для указанного участника.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, uid string) {
	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    a.signUID(uid),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

// signUID подписывает идентификатор HMAC-SHA256. Идентификаторы — UUID,
// символ точки в них не встречается и служит разделителем.
func (a *AuthMiddleware) signUID(uid string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(uid))
	return uid + "." + hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (string, bool) {
	idx := strings.LastIndex(cookieValue, ".")
	if idx <= 0 {
		return "", false
	}

	uid := cookieValue[:idx]
	signature := cookieValue[idx+1:]

	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(uid))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return "", false
	}

	return uid, true
}

// GetMemberUIDFromContext извлекает идентификатор участника из контекста запроса.
func GetMemberUIDFromContext(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(memberUIDKey).(string)
	return uid, ok
}
