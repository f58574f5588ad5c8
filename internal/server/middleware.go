package server

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit throttles test triggers per path user. Limiters are created
// lazily and never evicted; the user set is small and bounded by the
// profiles actually registered.
func rateLimit(perMinute int, next http.Handler) http.Handler {
	if perMinute <= 0 {
		return next
	}
	var (
		mu       sync.Mutex
		limiters = make(map[string]*rate.Limiter)
	)
	get := func(user string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[user]
		if !ok {
			l = rate.NewLimiter(rate.Limit(perMinute)/60, perMinute)
			limiters[user] = l
		}
		return l
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.PathValue("user")
		if !get(user).Allow() {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many test requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
