package runner

import (
	"log/slog"
	"net/http"
	"time"
)

func (r *Runner) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, req)

		queryParams := req.URL.Query()
		queryAttrs := make([]any, 0, len(queryParams))
		for key, values := range queryParams {
			if len(values) == 1 {
				queryAttrs = append(queryAttrs, slog.String(key, values[0]))
			} else {
				queryAttrs = append(queryAttrs, slog.Any(key, values))
			}
		}

		r.l.LogAttrs(req.Context(), slog.LevelInfo, "",
			slog.Group("request",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Group("query", queryAttrs...),
				slog.Duration("duration", time.Since(start)),
			),
		)
	})
}
