// Package middleware содержит HTTP middleware сервиса розыгрыша призов по чекам.
package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"net/http"
)

// AdminTokenHeader заголовок с административным секретом.
const AdminTokenHeader = "X-Admin-Token"

// AdminAuth проверяет административный секрет в заголовке запроса.
type AdminAuth struct {
	secret [sha256.Size]byte
	empty  bool
}

// NewAdminAuth создаёт AdminAuth. При пустом секрете все запросы отклоняются.
func NewAdminAuth(secret string) *AdminAuth {
	return &AdminAuth{
		secret: sha256.Sum256([]byte(secret)),
		empty:  secret == "",
	}
}

// Middleware пропускает запрос дальше только при совпадении секрета, иначе отвечает 403.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allowed(r.Header.Get(AdminTokenHeader)) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allowed сравнивает переданный секрет с настроенным за постоянное время.
func (a *AdminAuth) Allowed(token string) bool {
	if a.empty || token == "" {
		return false
	}
	got := sha256.Sum256([]byte(token))
	return hmac.Equal(got[:], a.secret[:])
}
