package middleware

import (
	"log/slog"
	"net/http"

	"github.com/umdomby/esplink/pkg/config"
)

type AddrConnectionCounter func(addr string) int
type AddrConnectionCycler func(addr string)

// NewConnectionLimiter bounds concurrent connections per remote address.
// "reject" turns the extra connection away; "cycle" closes the oldest one
// from the same address to make room.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter AddrConnectionCounter,
	cycler AddrConnectionCycler,
	cfg config.ConnectionLimitConfig,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.MaxPerIP <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if counter(reqMeta.IP) < cfg.MaxPerIP {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("Connection limit reached", slog.String("ip", reqMeta.IP))
			switch cfg.Mode {
			case "reject":
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
			case "cycle":
				cycler(reqMeta.IP)
				next.ServeHTTP(w, r)
			default:
				logger.Error("Invalid connection limit mode configured", slog.String("mode", cfg.Mode))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		})
	}
}
