package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/cors"
)

// CORS 只对白名单中的来源回显 Access-Control-Allow-Origin 并允许携带凭证。
// 列表中包含 "*" 时允许任意来源，此时不带凭证。
func CORS(allowed []string) func(http.Handler) http.Handler {
	origins := make([]string, 0, len(allowed))
	wildcard := false
	for _, origin := range allowed {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		switch origin {
		case "":
		case "*":
			wildcard = true
		default:
			origins = append(origins, origin)
		}
	}
	if wildcard {
		origins = []string{"*"}
	}

	var rejectAll func(r *http.Request, origin string) bool
	if len(origins) == 0 {
		// cors 把空列表当作允许任意来源，这里改为全部拒绝。
		rejectAll = func(*http.Request, string) bool { return false }
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowOriginFunc:  rejectAll,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Bridge-Session"},
		AllowCredentials: !wildcard,
		MaxAge:           300,
	})
}
