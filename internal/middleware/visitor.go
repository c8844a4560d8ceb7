package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// VisitorCookie carries the opaque visitor key used to look up the sender id.
const VisitorCookie = "cb_visitor"

type visitorKeyType struct{}

// Visitor 确保每个请求都带有访客标识，首次访问时签发 cookie。
// cookie 在第三方 iframe 中使用，必须是 SameSite=None; Secure，
// 浏览器会丢弃缺少 Secure 的 SameSite=None cookie（localhost 例外）。
func Visitor(maxAge time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if cookie, err := r.Cookie(VisitorCookie); err == nil {
				if _, err := uuid.Parse(cookie.Value); err == nil {
					key = cookie.Value
				}
			}

			if key == "" {
				key = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     VisitorCookie,
					Value:    key,
					Path:     "/",
					MaxAge:   int(maxAge.Seconds()),
					HttpOnly: true,
					Secure:   true,
					SameSite: http.SameSiteNoneMode,
				})
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), visitorKeyType{}, key)))
		})
	}
}

// VisitorKey returns the visitor key set by Visitor, or "".
func VisitorKey(ctx context.Context) string {
	key, _ := ctx.Value(visitorKeyType{}).(string)
	return key
}

// WithVisitorKey stores key in ctx; used by tests and internal callers.
func WithVisitorKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, visitorKeyType{}, key)
}
