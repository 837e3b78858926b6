package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
)

func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// our logger (after RequestID)
	r.Use(RequestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Post("/convert", h.Convert)
	r.Get("/convert/{task_id}", h.GetTask)
	r.Get("/formats", h.Formats)
	r.Get("/download/{task_id}", h.Download)
	r.Get("/queue/stats", h.QueueStats)

	r.Route("/r2", func(r chi.Router) {
		r.Post("/generate-upload-url", h.GenerateUploadURL)
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
