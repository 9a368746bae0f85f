package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

// RouterDeps carries everything the read-only API serves from.
type RouterDeps struct {
	Searcher       Searcher
	Items          ItemDetailer
	Stats          CoverageReader
	// Events streams run progress; the route is omitted when nil.
	Events         http.HandlerFunc
	AllowedOrigins []string
	Log            logrus.FieldLogger
}

// NewRouter builds the HTTP API.
func NewRouter(deps RouterDeps) http.Handler {
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: deps.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: log, NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(corsHandler.Handler)

	searchHandler := &SearchHandler{Exec: deps.Searcher, Log: log}
	itemHandler := &ItemHandler{Repo: deps.Items, Log: log}
	statsHandler := &StatsHandler{Stats: deps.Stats, Log: log}

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Get("/search", searchHandler.Search)
			r.Route("/items/{item_id}", func(r chi.Router) {
				r.Get("/", itemHandler.GetItem)
			})
			r.Get("/stats", statsHandler.GetStats)
		})
		// long-lived websocket, outside the request timeout
		if deps.Events != nil {
			r.Get("/events", deps.Events)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteAPIError(w, http.StatusNotFound, CodeNotFound, "no such endpoint")
	})
	return r
}
