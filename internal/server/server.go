// Package server is the read-only HTTP front end over the live artifact
// version.
package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/graded/internal/artifact"
	"github.com/TobiSchelling/graded/internal/database"
)

//go:embed templates/*.html
var templateFS embed.FS

var (
	md        = goldmark.New()
	sanitizer = bluemonday.UGCPolicy()
)

// listing mirrors the entries of a version's index.json.
type listing struct {
	Title       string         `json:"title"`
	Version     string         `json:"version"`
	GeneratedAt time.Time      `json:"generated_at"`
	Tiers       []string       `json:"tiers"`
	Categories  map[string]int `json:"categories"`
	Items       []struct {
		ID           int64  `json:"id"`
		Title        string `json:"title"`
		Path         string `json:"path"`
		SummaryTitle string `json:"summary_title"`
		Summary      string `json:"summary"`
	} `json:"items"`
}

// Server serves the live artifact version.
type Server struct {
	db    *database.DB
	gen   *artifact.Generator
	index *template.Template
	mux   *http.ServeMux
}

// New creates a new Server.
func New(db *database.DB, gen *artifact.Generator) (*Server, error) {
	index, err := template.New("index.html").Funcs(template.FuncMap{
		"markdown": renderMarkdown,
	}).ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parsing index template: %w", err)
	}

	s := &Server{db: db, gen: gen, index: index, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	files := http.FileServer(http.Dir(s.gen.LiveDir()))
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/versions", s.handleVersions)
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.Handle("GET /", s.requireLive(files))
}

func (s *Server) requireLive(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := os.Stat(s.gen.LiveDir()); err != nil {
			http.Error(w, "no artifact version published yet", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(filepath.Join(s.gen.LiveDir(), "index.json"))
	if errors.Is(err, fs.ErrNotExist) {
		http.Error(w, "no artifact version published yet", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		slog.Error("reading live index", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	var l listing
	if err := json.Unmarshal(data, &l); err != nil {
		slog.Error("decoding live index", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := s.index.Execute(&buf, l); err != nil {
		slog.Error("rendering index", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	code := http.StatusOK

	live, err := s.gen.Live()
	if err != nil {
		status["status"], code = "degraded", http.StatusServiceUnavailable
		status["error"] = err.Error()
	}
	status["live"] = live

	if s.db != nil {
		counts, err := s.db.CountByState(r.Context())
		if err != nil {
			status["status"], code = "degraded", http.StatusServiceUnavailable
			status["error"] = err.Error()
		} else {
			status["items"] = counts
		}
	}
	writeJSON(w, code, status)
}

func (s *Server) handleVersions(w http.ResponseWriter, _ *http.Request) {
	versions, err := s.gen.List()
	if err != nil {
		slog.Error("listing versions", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	type entry struct {
		artifact.Version
		Live bool `json:"live"`
	}
	out := make([]entry, 0, len(versions))
	for _, v := range versions {
		out = append(out, entry{Version: v, Live: v.Live})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing JSON response", "error", err)
	}
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(sanitizer.SanitizeBytes(buf.Bytes())) //nolint: gosec
}

// Serve listens on 127.0.0.1:port until ctx is cancelled.
func Serve(ctx context.Context, db *database.DB, gen *artifact.Generator, port int) error {
	srv, err := New(db, gen)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("server listening", "url", "http://"+httpSrv.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
