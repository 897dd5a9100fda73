package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/lkcomu/lkcomu/pkg/controller"
	"github.com/lkcomu/lkcomu/pkg/energosbyt"
	"github.com/lkcomu/lkcomu/pkg/log"
	"github.com/lkcomu/lkcomu/pkg/metrics"
	"github.com/lkcomu/lkcomu/pkg/poller"
	"github.com/lkcomu/lkcomu/pkg/storage"
	"github.com/lkcomu/lkcomu/pkg/types"
)

// Poller is the part of the poller the API reads from.
type Poller interface {
	Accounts() []types.Account
	Entities(kind types.EntityKind) []types.Entity
	Unsupported() []poller.UnsupportedAccount
	Handler(accountCode string) (energosbyt.AccountHandler, bool)
	ProfileID() string
	Refresh(ctx context.Context, kind types.EntityKind) error
	RefreshAll(ctx context.Context) error
}

// Indications runs push and calculate calls against a meter entity.
type Indications interface {
	PushIndications(ctx context.Context, key string, call types.IndicationsCall) (types.IndicationsEvent, error)
	CalculateIndications(ctx context.Context, key string, call types.IndicationsCall) (types.IndicationsEvent, error)
}

var (
	_ Poller      = (*poller.Poller)(nil)
	_ Indications = (*controller.Controller)(nil)
)

type contextKey string

const emailContextKey contextKey = "email"

// tokenVerifier validates an ID token and returns its email claim.
type tokenVerifier func(ctx context.Context, rawIDToken string) (string, error)

// Server serves the HTTP API over the poller's entities and the indications
// controller.
type Server struct {
	poller      Poller
	indications Indications
	storage     storage.Database
	now         func() time.Time

	listenAddr string
	httpServer *http.Server
	serverName string

	adminEmails []string
	verifier    tokenVerifier
	bypassAuth  bool
}

// New creates a Server without authentication.
func New(p Poller, ind Indications, db storage.Database) *Server {
	return &Server{
		poller:      p,
		indications: ind,
		storage:     db,
		now:         time.Now,
		serverName:  "lkcomu",
		bypassAuth:  true,
	}
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(p Poller, ind Indications, db storage.Database) *Server {
	srv := New(p, ind, db)
	if revision := os.Getenv("K_REVISION"); revision != "" {
		srv.serverName = revision
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to use the API")
	oidcAudience := lflag.String("oidc-audience", "", "audience to validate bearer id tokens against, auth is disabled when empty")
	oidcIssuer := lflag.String("oidc-issuer", "https://accounts.google.com", "issuer of the bearer id tokens")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *adminEmails != "" {
			for _, email := range strings.Split(*adminEmails, ",") {
				if email = strings.TrimSpace(email); email != "" {
					srv.adminEmails = append(srv.adminEmails, email)
				}
			}
		}
		if *oidcAudience == "" {
			log.Ctx(context.Background()).Warn("no oidc audience configured, api authentication is disabled")
			return
		}
		provider, err := oidc.NewProvider(context.Background(), *oidcIssuer)
		if err != nil {
			log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("issuer", *oidcIssuer), slog.Any("error", err))
			os.Exit(1)
		}
		srv.verifier = oidcVerifier(provider.Verifier(&oidc.Config{ClientID: *oidcAudience}))
		srv.bypassAuth = false
	})

	return srv
}

func oidcVerifier(v *oidc.IDTokenVerifier) tokenVerifier {
	return func(ctx context.Context, rawIDToken string) (string, error) {
		idToken, err := v.Verify(ctx, rawIDToken)
		if err != nil {
			return "", err
		}
		var claims struct {
			Email         string `json:"email"`
			EmailVerified *bool  `json:"email_verified"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return "", fmt.Errorf("failed to parse claims: %w", err)
		}
		if claims.EmailVerified != nil && !*claims.EmailVerified {
			return "", errors.New("email is not verified")
		}
		return claims.Email, nil
	}
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/accounts", s.handleListAccounts)
	apiMux.HandleFunc("GET /api/entities", s.handleListEntities)
	apiMux.HandleFunc("GET /api/unsupported", s.handleListUnsupported)
	apiMux.HandleFunc("GET /api/accounts/{code}/meters", s.handleAccountMeters)
	apiMux.HandleFunc("GET /api/accounts/{code}/invoices", s.handleAccountInvoices)
	apiMux.HandleFunc("GET /api/accounts/{code}/invoices.xlsx", s.handleExportXLSX)
	apiMux.HandleFunc("GET /api/accounts/{code}/invoices.pdf", s.handleExportPDF)
	apiMux.HandleFunc("GET /api/accounts/{code}/payments", s.handleAccountPayments)
	apiMux.HandleFunc("GET /api/accounts/{code}/balance", s.handleAccountBalance)
	apiMux.HandleFunc("GET /api/accounts/{code}/balance/history", s.handleBalanceHistory)
	apiMux.HandleFunc("POST /api/meters/{key}/push", s.handlePushIndications)
	apiMux.HandleFunc("POST /api/meters/{key}/calculate", s.handleCalculateIndications)
	apiMux.HandleFunc("GET /api/events", s.handleEventHistory)
	apiMux.HandleFunc("POST /api/refresh", s.handleRefresh)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
