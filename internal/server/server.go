package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"

	"github.com/treefix50/watchguard/internal/auth"
	"github.com/treefix50/watchguard/internal/telemetry"
)

const (
	DefaultScanInterval  = 10 * time.Minute
	DefaultLoginInterval = time.Second
	DefaultMediaPrefix   = "/hls-output"

	rescanDelay = 500 * time.Millisecond
)

type Options struct {
	Addr      string
	MediaRoot string
	// MediaPrefix is the URL path the HLS tree is served under.
	MediaPrefix string
	Store       ProgressStore
	// Auth enables bearer tokens on the progress routes. nil disables auth
	// and keys all progress under the empty user.
	Auth           *auth.Manager
	AllowedOrigins []string
	ScanInterval   time.Duration
	// Watch rescans the library when files under MediaRoot change.
	Watch         bool
	LoginInterval time.Duration
	Logger        *slog.Logger
	Telemetry     *telemetry.Manager
	Clock         clockwork.Clock
}

type Server struct {
	addr    string
	lib     *Library
	store   ProgressStore
	auth    *auth.Manager
	log     *slog.Logger
	tel     *telemetry.Manager
	clock   clockwork.Clock
	limiter *RateLimiter
	handler http.Handler
	http    *http.Server

	scanInterval time.Duration
	watcher      *fsnotify.Watcher
	scanStop     chan struct{}
	scanDone     chan struct{}
	closeOnce    sync.Once
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("server: progress store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MediaPrefix == "" {
		opts.MediaPrefix = DefaultMediaPrefix
	}
	if opts.LoginInterval == 0 {
		opts.LoginInterval = DefaultLoginInterval
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	lib, err := NewLibrary(opts.MediaRoot, opts.MediaPrefix, opts.Logger)
	if err != nil {
		return nil, err
	}
	// initial scan
	if err := lib.Scan(); err != nil {
		opts.Logger.Warn("library scan incomplete", "root", opts.MediaRoot, "err", err)
	}

	s := &Server{
		addr:         opts.Addr,
		lib:          lib,
		store:        opts.Store,
		auth:         opts.Auth,
		log:          opts.Logger,
		tel:          opts.Telemetry,
		clock:        opts.Clock,
		limiter:      NewRateLimiter(opts.LoginInterval, opts.Clock),
		scanInterval: opts.ScanInterval,
	}

	if opts.Watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("server: watch %s: %w", opts.MediaRoot, err)
		}
		s.watcher = w
		s.watchLibrary()
	}
	if s.scanInterval > 0 || s.watcher != nil {
		var ticker clockwork.Ticker
		if s.scanInterval > 0 {
			ticker = s.clock.NewTicker(s.scanInterval)
		}
		s.scanStop = make(chan struct{})
		s.scanDone = make(chan struct{})
		go s.runScanLoop(ticker)
	}

	s.handler = s.routes(opts)
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes(opts Options) http.Handler {
	r := mux.NewRouter()
	r.Use(logMiddleware(s.log, s.tel))
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, "not found", http.StatusNotFound)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	})

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/video").Subrouter()
	api.HandleFunc("/getAllVideos", s.withUser(s.handleAllVideos)).Methods(http.MethodGet)
	api.HandleFunc("/progress/{videoId}", s.withUser(s.handleGetProgress)).Methods(http.MethodGet)
	api.HandleFunc("/updateVideo", s.withUser(s.handleUpdateVideo)).Methods(http.MethodPost)

	r.HandleFunc("/auth/login", s.handleAuthLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", s.handleAuthLogout).Methods(http.MethodPost)
	r.HandleFunc("/auth/session", s.handleAuthSession).Methods(http.MethodGet)

	r.HandleFunc(opts.MediaPrefix+"/{videoId}/{quality}/{file}", s.handleMedia).
		Methods(http.MethodGet, http.MethodHead)

	c := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Range"},
		ExposedHeaders: []string{"Content-Length", "Content-Range"},
	})
	return c.Handler(r)
}

// Handler returns the routed handler, CORS included.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Library() *Library { return s.lib }

func (s *Server) Addr() string { return s.addr }

func (s *Server) Start() error {
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stopScanLoop()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		err = s.http.Shutdown(ctx)
	})
	return err
}

func (s *Server) runScanLoop(ticker clockwork.Ticker) {
	defer close(s.scanDone)

	var tick <-chan time.Time
	if ticker != nil {
		defer ticker.Stop()
		tick = ticker.Chan()
	}
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
		rescan <-chan time.Time
	)
	if s.watcher != nil {
		events = s.watcher.Events
		errs = s.watcher.Errors
	}

	for {
		select {
		case <-tick:
			s.rescan("periodic")
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Chmod) {
				continue
			}
			if rescan == nil {
				rescan = s.clock.After(rescanDelay)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.log.Warn("library watch error", "err", err)
		case <-rescan:
			rescan = nil
			s.rescan("watch")
		case <-s.scanStop:
			return
		}
	}
}

func (s *Server) rescan(trigger string) {
	if err := s.lib.Scan(); err != nil {
		s.log.Warn("library scan failed", "trigger", trigger, "err", err)
	}
	if s.watcher != nil {
		s.watchLibrary()
	}
	s.limiter.Prune()
}

// watchLibrary adds the root, every video directory and every rendition
// directory under it to the watcher, whether or not the catalog lists them
// yet. fsnotify is not recursive, and a video whose playlist has not been
// written is still a directory to watch.
func (s *Server) watchLibrary() {
	for _, dir := range libraryDirs(s.lib.Root()) {
		if err := s.watcher.Add(dir); err != nil {
			s.log.Debug("library watch skipped", "dir", dir, "err", err)
		}
	}
}

// libraryDirs lists root and the visible directories one and two levels
// below it.
func libraryDirs(root string) []string {
	dirs := []string{root}
	level := []string{root}
	for depth := 0; depth < 2; depth++ {
		var next []string
		for _, parent := range level {
			entries, err := os.ReadDir(parent)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
					continue
				}
				next = append(next, filepath.Join(parent, e.Name()))
			}
		}
		dirs = append(dirs, next...)
		level = next
	}
	return dirs
}

func (s *Server) stopScanLoop() {
	if s.scanStop != nil {
		close(s.scanStop)
		<-s.scanDone
		s.scanStop = nil
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", textContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	path, ok := s.lib.File(vars["videoId"], vars["quality"], vars["file"])
	if !ok {
		writeError(w, "not found", http.StatusNotFound)
		return
	}
	ServeHLSFile(w, r, path)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", jsonContentType)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
