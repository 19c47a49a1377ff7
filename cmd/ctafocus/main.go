package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/yaml.v3"

	"github.com/uxlens/ctafocus/auth"
	"github.com/uxlens/ctafocus/capture"
	"github.com/uxlens/ctafocus/dbopen"
	"github.com/uxlens/ctafocus/detect"
	"github.com/uxlens/ctafocus/feedback"
	"github.com/uxlens/ctafocus/focus"
	"github.com/uxlens/ctafocus/mcpquic"
	"github.com/uxlens/ctafocus/observability"
	"github.com/uxlens/ctafocus/report"
	"github.com/uxlens/ctafocus/safeurl"
	"github.com/uxlens/ctafocus/shield"
	"github.com/uxlens/ctafocus/trace"
	_ "modernc.org/sqlite"
)

//go:embed static
var staticFS embed.FS

// maxAnalyzeBody caps the two analyze request bodies: the 10 MiB upload
// limit plus multipart framing headroom.
const maxAnalyzeBody = 11 << 20

func main() {
	addr := env("ADDR", ":8642")
	backendURL := env("BACKEND_URL", "http://127.0.0.1:5000")
	dataDir := env("DATA_DIR", "data")
	logLevel := env("LOG_LEVEL", "info")
	sessionTTL := env("SESSION_TTL", "30m")
	maxSessions := envInt("MAX_SESSIONS", 100)
	captureBrowser := env("CAPTURE_BROWSER", "1") == "1"
	browserURL := env("BROWSER_URL", "")
	mcpAddr := env("MCP_ADDR", "")
	accessPassword := env("ACCESS_PASSWORD", "")
	jwtSecretInput := env("JWT_SECRET", "")
	tlsCert := env("TLS_CERT", "")
	tlsKey := env("TLS_KEY", "")

	// Optional YAML file overrides the env defaults.
	if path := os.Getenv("CTAFOCUS_CONFIG"); path != "" {
		fc, err := loadConfigFile(path)
		if err != nil {
			slog.Error("config file", "path", path, "error", err)
			os.Exit(1)
		}
		override(&addr, fc.Addr)
		override(&backendURL, fc.BackendURL)
		override(&dataDir, fc.DataDir)
		override(&logLevel, fc.LogLevel)
		override(&sessionTTL, fc.SessionTTL)
		override(&browserURL, fc.BrowserURL)
		override(&mcpAddr, fc.MCPAddr)
		override(&accessPassword, fc.AccessPassword)
		override(&jwtSecretInput, fc.JWTSecret)
		override(&tlsCert, fc.TLSCert)
		override(&tlsKey, fc.TLSKey)
		if fc.MaxSessions > 0 {
			maxSessions = fc.MaxSessions
		}
		if fc.CaptureBrowser != nil {
			captureBrowser = *fc.CaptureBrowser
		}
	}

	ttl, err := time.ParseDuration(sessionTTL)
	if err != nil {
		slog.Error("SESSION_TTL", "value", sessionTTL, "error", err)
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// JWT secret, only when the access gate is on. SHA-256 of the configured
	// secret (or of the password itself) yields the 32 bytes safeurl demands.
	var jwtSecret []byte
	if accessPassword != "" {
		secretInput := jwtSecretInput
		if secretInput == "" {
			secretInput = accessPassword
		}
		sum := sha256.Sum256([]byte(secretInput))
		jwtSecret = sum[:]
		if err := safeurl.ValidateSecret(jwtSecret); err != nil {
			slog.Error("jwt secret", "error", err)
			os.Exit(1)
		}
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Trace DB, opened with the raw "sqlite" driver (never "sqlite-trace",
	// that would recurse).
	traceDB, err := dbopen.Open(filepath.Join(dataDir, "traces.db"), dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("trace db", "error", err)
		os.Exit(1)
	}
	defer traceDB.Close()
	traceStore := trace.NewStore(traceDB)
	if err := traceStore.Init(); err != nil {
		slog.Error("trace init", "error", err)
		os.Exit(1)
	}
	trace.SetStore(traceStore)
	defer traceStore.Close()

	// Observability DB, traced. Carries metrics, events, audit, heartbeats,
	// HTTP logs and the shield tables.
	obsDB, err := dbopen.Open(filepath.Join(dataDir, "observability.db"),
		dbopen.WithMkdirAll(),
		dbopen.WithTrace(),
		dbopen.WithSchema(observability.Schema),
		dbopen.WithSchema(shield.Schema),
	)
	if err != nil {
		slog.Error("observability db", "error", err)
		os.Exit(1)
	}
	defer obsDB.Close()
	metrics := observability.NewMetricsManager(obsDB, 256, 10*time.Second)
	defer metrics.Close()
	events := observability.NewEventLogger(obsDB)
	auditLog := observability.NewAuditLogger(obsDB, 256)
	defer auditLog.Close()
	heartbeat := observability.NewHeartbeatWriter(obsDB, "ctafocus", 30*time.Second)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()
	httpLog := observability.NewHTTPLogRecorder(obsDB, 256)
	defer httpLog.Close()
	go retentionLoop(ctx, obsDB)

	// Default rate limits on the expensive routes.
	seedRateLimits(obsDB)

	// Analysis feedback store.
	fb, err := feedback.New(feedback.Config{
		DB:      obsDB,
		Service: "ctafocus",
		UserIDFn: func(r *http.Request) string {
			if claims := auth.GetClaims(r.Context()); claims != nil {
				return claims.Subject
			}
			return ""
		},
	})
	if err != nil {
		slog.Error("feedback store", "error", err)
		os.Exit(1)
	}

	// Backend client.
	backend, err := detect.New(detect.Config{BaseURL: backendURL})
	if err != nil {
		slog.Error("detect client", "error", err)
		os.Exit(1)
	}

	// Capture chain. Without the browser the direct-image method still runs.
	capturer := capture.New(capture.Config{
		BrowserEnabled:   captureBrowser,
		RemoteBrowserURL: browserURL,
		Stealth:          true,
		Logger:           logger,
	})
	defer capturer.Close()

	// Focus service.
	svc, err := focus.New(backend,
		focus.WithLogger(logger),
		focus.WithCapturer(capturer),
		focus.WithAudit(auditLog),
		focus.WithMetrics(metrics),
		focus.WithEvents(events),
		focus.WithConfig(focus.Config{
			SessionTTL:  ttl,
			MaxSessions: maxSessions,
		}),
	)
	if err != nil {
		slog.Error("focus service", "error", err)
		os.Exit(1)
	}
	svc.Start(ctx)

	// Optional MCP over QUIC.
	if mcpAddr != "" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "ctafocus",
			Version: focus.Version,
		}, nil)
		svc.RegisterMCPTools(mcpSrv)

		var tlsCfg *tls.Config
		if tlsCert != "" && tlsKey != "" {
			tlsCfg, err = mcpquic.ServerTLSConfig(tlsCert, tlsKey)
		} else {
			tlsCfg, err = mcpquic.SelfSignedTLSConfig()
		}
		if err != nil {
			slog.Error("MCP QUIC TLS", "error", err)
		} else {
			ql, qErr := mcpquic.NewListener(mcpAddr, tlsCfg, mcpSrv, logger)
			if qErr != nil {
				slog.Error("MCP QUIC listener", "error", qErr)
			} else {
				go func() {
					slog.Info("MCP QUIC starting", "addr", mcpAddr)
					if sErr := ql.Serve(ctx); sErr != nil && ctx.Err() == nil {
						slog.Error("MCP QUIC", "error", sErr)
					}
				}()
			}
		}
	}

	features := []string{"upload_analysis", "url_analysis", "reports", "feedback"}
	if captureBrowser {
		features = append(features, "browser_capture")
	}
	if mcpAddr != "" {
		features = append(features, "mcp_quic")
	}
	if accessPassword != "" {
		features = append(features, "access_gate")
	}

	// Router.
	stack, rl, mm := shield.DefaultStack(obsDB)
	rl.StartReloader(ctx.Done())
	mm.StartReloader(ctx.Done())

	r := chi.NewRouter()
	for _, mw := range stack {
		r.Use(mw)
	}
	r.Use(httpLog.Middleware)
	if accessPassword != "" {
		r.Use(auth.Middleware(jwtSecret)) // soft parse; RequireAuth enforces per group
	}

	registerRoutes(r, webConfig{
		svc:      svc,
		db:       obsDB,
		fb:       fb,
		password: accessPassword,
		secret:   jwtSecret,
		features: features,
	})

	// HTTP server. WriteTimeout covers the blocking ?wait=1 flow, which
	// holds the response for a full backend round-trip.
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      180 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", addr, "backend", backendURL, "features", features)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// --- Routes ---

type webConfig struct {
	svc      *focus.Service
	db       *sql.DB // liveness ping
	fb       *feedback.Collector
	password string // access gate; empty means open
	secret   []byte
	features []string
}

var reportContentTypes = map[string]string{
	report.FormatJSON:     "application/json; charset=utf-8",
	report.FormatHTML:     "text/html; charset=utf-8",
	report.FormatMarkdown: "text/markdown; charset=utf-8",
	report.FormatPDF:      "application/pdf",
}

func registerRoutes(r chi.Router, cfg webConfig) {
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.db != nil {
			if err := cfg.db.PingContext(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		h := cfg.svc.Health(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   h.Status,
			"service":  "ctafocus",
			"version":  h.Version,
			"features": cfg.features,
			"backend":  h.Backend,
		})
	})

	// Public auth endpoints. With no password configured the gate is open
	// and login reports that, so the UI skips its prompt.
	r.Post("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if cfg.password == "" {
			writeJSON(w, http.StatusOK, map[string]string{"status": "open"})
			return
		}
		var req struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if !auth.VerifyPassword(cfg.password, req.Password) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid password"})
			return
		}
		token, err := auth.GenerateToken(cfg.secret, auth.OperatorClaims(), 24*time.Hour)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		secure := r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
		auth.SetTokenCookie(w, token, secure)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "role": auth.RoleOperator})
	})

	r.Post("/api/auth/logout", func(w http.ResponseWriter, _ *http.Request) {
		auth.ClearTokenCookie(w)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// SPA shell and assets, no auth: the login prompt lives in the page.
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		f, err := staticFS.Open("static/index.html")
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
	r.Handle("/static/*", http.FileServerFS(staticFS))

	protect := func(next http.Handler) http.Handler { return next }
	if cfg.password != "" {
		protect = auth.RequireAuth
	}

	r.Group(func(r chi.Router) {
		r.Use(protect)

		r.Group(func(r chi.Router) {
			r.Use(maxBody(maxAnalyzeBody))

			r.Post("/api/analyze", func(w http.ResponseWriter, r *http.Request) {
				if err := r.ParseMultipartForm(8 << 20); err != nil {
					var mbe *http.MaxBytesError
					if errors.As(err, &mbe) {
						writeError(w, http.StatusRequestEntityTooLarge,
							fmt.Errorf("request exceeds the %d byte limit", mbe.Limit))
						return
					}
					writeError(w, http.StatusBadRequest, fmt.Errorf("multipart form: %w", err))
					return
				}
				file, header, err := r.FormFile("image")
				if err != nil {
					writeError(w, http.StatusBadRequest, errors.New(`multipart field "image" is required`))
					return
				}
				defer file.Close()

				sess, err := cfg.svc.AnalyzeImage(r.Context(), focus.Upload{
					Filename:        header.Filename,
					Size:            header.Size,
					ContentType:     header.Header.Get("Content-Type"),
					Reader:          file,
					DesiredBehavior: r.FormValue("desired_behavior"),
				})
				if err != nil {
					writeFocusError(w, err)
					return
				}
				respondAnalysis(w, r, cfg.svc, sess)
			})

			r.Post("/api/analyze-url", func(w http.ResponseWriter, r *http.Request) {
				var req focus.URLRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					writeError(w, http.StatusBadRequest, err)
					return
				}
				sess, err := cfg.svc.AnalyzeURL(r.Context(), req)
				if err != nil {
					writeFocusError(w, err)
					return
				}
				respondAnalysis(w, r, cfg.svc, sess)
			})
		})

		r.Get("/api/analyses", func(w http.ResponseWriter, r *http.Request) {
			infos := cfg.svc.Sessions()
			if limit := queryInt(r, "limit", 0); limit > 0 && len(infos) > limit {
				infos = infos[:limit]
			}
			writeJSON(w, http.StatusOK, infos)
		})

		r.Get("/api/analyses/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			result, err := cfg.svc.Result(id)
			if err != nil {
				if errors.Is(err, focus.ErrAnalysisPending) {
					writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "state": focus.StatePending})
					return
				}
				writeFocusError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
		})

		r.Get("/api/analyses/{id}/progress", func(w http.ResponseWriter, r *http.Request) {
			pr, err := cfg.svc.Progress(chi.URLParam(r, "id"))
			if err != nil {
				writeFocusError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, pr)
		})

		r.Get("/api/analyses/{id}/report", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			format := r.URL.Query().Get("format")
			switch format {
			case "":
				format = report.FormatJSON
			case "md":
				format = report.FormatMarkdown
			}
			ct, ok := reportContentTypes[format]
			if !ok {
				writeError(w, http.StatusBadRequest, fmt.Errorf("unknown format %q", format))
				return
			}
			rep, err := cfg.svc.Report(id)
			if err != nil {
				if errors.Is(err, focus.ErrAnalysisPending) {
					writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "state": focus.StatePending})
					return
				}
				writeFocusError(w, err)
				return
			}
			// Render to a buffer first so render failures still produce a
			// clean JSON error instead of a truncated document.
			var buf bytes.Buffer
			if err := report.Render(&buf, rep, format); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			w.Header().Set("Content-Type", ct)
			if format == report.FormatPDF {
				w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "cta-report-"+id+".pdf"))
			}
			w.Write(buf.Bytes())
		})

		r.Delete("/api/analyses/{id}", func(w http.ResponseWriter, r *http.Request) {
			if err := cfg.svc.Delete(chi.URLParam(r, "id")); err != nil {
				writeFocusError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		if cfg.fb != nil {
			r.Mount("/api/feedback", http.StripPrefix("/api/feedback", cfg.fb.Handler()))
		}
	})
}

// respondAnalysis finishes the two analyze endpoints: 202 with the pending
// session, or the full result when the client asked to wait.
func respondAnalysis(w http.ResponseWriter, r *http.Request, svc *focus.Service, sess *focus.Session) {
	if r.URL.Query().Get("wait") != "1" {
		writeJSON(w, http.StatusAccepted, sess)
		return
	}
	result, err := svc.Wait(r.Context(), sess.ID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return // client went away; the analysis keeps running
		}
		writeFocusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// errStatus maps service errors onto the HTTP contract.
func errStatus(err error) int {
	switch {
	case errors.Is(err, focus.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, focus.ErrAnalysisPending):
		return http.StatusAccepted
	case errors.Is(err, focus.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, focus.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, focus.ErrTooManySessions):
		return http.StatusConflict
	case errors.Is(err, focus.ErrInvalidInput),
		errors.Is(err, focus.ErrUnsafeURL),
		errors.Is(err, safeurl.ErrSSRF),
		errors.Is(err, safeurl.ErrUnsafeScheme):
		return http.StatusBadRequest
	case errors.Is(err, focus.ErrAnalysisFailed),
		errors.Is(err, detect.ErrBackend),
		errors.Is(err, detect.ErrBackendUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeFocusError(w http.ResponseWriter, err error) {
	writeError(w, errStatus(err), err)
}

// --- Config file ---

type fileConfig struct {
	Addr           string `yaml:"addr"`
	BackendURL     string `yaml:"backend_url"`
	DataDir        string `yaml:"data_dir"`
	LogLevel       string `yaml:"log_level"`
	SessionTTL     string `yaml:"session_ttl"`
	MaxSessions    int    `yaml:"max_sessions"`
	CaptureBrowser *bool  `yaml:"capture_browser"`
	BrowserURL     string `yaml:"browser_url"`
	MCPAddr        string `yaml:"mcp_addr"`
	AccessPassword string `yaml:"access_password"`
	JWTSecret      string `yaml:"jwt_secret"`
	TLSCert        string `yaml:"tls_cert"`
	TLSKey         string `yaml:"tls_key"`
}

func loadConfigFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &fc, nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// --- Maintenance ---

// retentionLoop prunes observability tables daily.
func retentionLoop(ctx context.Context, db *sql.DB) {
	tick := time.NewTicker(24 * time.Hour)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := observability.Cleanup(ctx, db, observability.RetentionConfig{
				HTTPLogsDays:   7,
				EventLogsDays:  30,
				AuditLogDays:   30,
				MetricsDays:    14,
				HeartbeatsDays: 7,
			}); err != nil {
				slog.Warn("observability cleanup", "error", err)
			}
		}
	}
}

// seedRateLimits installs default limits for the expensive analyze routes.
// Operators tune or disable them by editing the rate_limits table.
func seedRateLimits(db *sql.DB) {
	for _, endpoint := range []string{"POST /api/analyze", "POST /api/analyze-url"} {
		if _, err := db.Exec(
			`INSERT OR IGNORE INTO rate_limits (endpoint, max_requests, window_seconds, enabled) VALUES (?, 20, 60, 1)`,
			endpoint); err != nil {
			slog.Warn("seed rate limits", "endpoint", endpoint, "error", err)
		}
	}
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		slog.Warn("bad integer env var, using default", "key", key, "value", s, "default", def)
		return def
	}
	return v
}

func maxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
