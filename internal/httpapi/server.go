// Package httpapi is the HTTP surface: one handler per endpoint, each a
// closure over the process-wide collaborators, mounted on a gorilla/mux
// router. Handlers resolve the bearer token to a user id, auto-provision
// unseen users, and delegate to the pipeline packages.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"nexus/internal/apperr"
	"nexus/internal/authn"
	"nexus/internal/config"
	"nexus/internal/consulta"
	"nexus/internal/email"
	"nexus/internal/gmailclient"
	"nexus/internal/llm"
	"nexus/internal/models"
	"nexus/internal/nexus"
	"nexus/internal/push"
	"nexus/internal/store"
	"nexus/internal/tasks"
	"nexus/internal/valueproc"
)

// GmailFactory builds a Gmail client from a request-supplied access
// token; a seam so tests never talk to Google.
type GmailFactory func(ctx context.Context, accessToken string) (gmailclient.Client, error)

// Server holds every collaborator the handlers close over.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	resolver authn.Resolver
	llm      llm.Client
	tasks    *tasks.Extractor
	values   *valueproc.Processor
	consulta *consulta.Engine
	triage   *email.Triage
	nexus    *nexus.Service
	sender   push.Sender
	gmail    GmailFactory
	log      *zap.SugaredLogger
}

func NewServer(
	cfg *config.Config,
	s *store.Store,
	resolver authn.Resolver,
	client llm.Client,
	extractor *tasks.Extractor,
	values *valueproc.Processor,
	engine *consulta.Engine,
	triage *email.Triage,
	nx *nexus.Service,
	sender push.Sender,
	gmail GmailFactory,
	log *zap.SugaredLogger,
) *Server {
	return &Server{
		cfg: cfg, store: s, resolver: resolver, llm: client,
		tasks: extractor, values: values, consulta: engine,
		triage: triage, nexus: nx, sender: sender, gmail: gmail, log: log,
	}
}

// Router mounts every endpoint.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	r.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.legacyHeaderGuard)
	api.HandleFunc("/analizar", s.handleAnalizar).Methods(http.MethodPost)
	api.HandleFunc("/alertas", s.handleListAlertas).Methods(http.MethodGet)
	api.HandleFunc("/alertas/prioritarias", s.handlePriorityAlertas).Methods(http.MethodGet)
	api.HandleFunc("/alertas/{id}", s.handlePatchAlerta).Methods(http.MethodPatch)
	api.HandleFunc("/sincronizar-correos", s.handleSyncEmails).Methods(http.MethodPost)
	api.HandleFunc("/analizar-historial-gmail", s.handleAnalyzeHistory).Methods(http.MethodPost)
	api.HandleFunc("/enviar-correo", s.handleSendEmail).Methods(http.MethodPost)
	api.HandleFunc("/correos-pendientes", s.handlePendingEmails).Methods(http.MethodGet)
	api.HandleFunc("/correos-respondidos", s.handleAnsweredEmails).Methods(http.MethodGet)
	api.HandleFunc("/correos/{id}/marcar-leido", s.handleMarkRead).Methods(http.MethodPatch)
	api.HandleFunc("/correos/{id}/marcar-respondido", s.handleMarkAnswered).Methods(http.MethodPatch)
	api.HandleFunc("/correos/{id}/revertir-respondido", s.handleRevertAnswered).Methods(http.MethodPatch)

	nx := r.PathPrefix("/nexus").Subrouter()
	nx.HandleFunc("/sync/batch", s.handleSyncBatch).Methods(http.MethodPost)
	nx.HandleFunc("/cerebro/activar", s.handleBrain).Methods(http.MethodPost)
	nx.HandleFunc("/estadisticas/{user_id}", s.handleStats).Methods(http.MethodGet)
	nx.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	nx.HandleFunc("/transcribir_audio", s.handleTranscribe).Methods(http.MethodPost)

	return r
}

// legacyHeaderGuard enforces the app-password header on the /api surface
// when one is configured. Older mobile builds send it alongside the
// bearer token.
func (s *Server) legacyHeaderGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg != nil && s.cfg.AppLegacyHeaderSecret != "" {
			if r.Header.Get("X-App-Password") != s.cfg.AppLegacyHeaderSecret {
				s.writeError(w, apperr.New(apperr.Auth, "invalid app password"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// authUser resolves the bearer token and auto-provisions the user row on
// first sight.
func (s *Server) authUser(r *http.Request) (*models.User, error) {
	userID, err := s.resolver.Resolve(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}
	u, err := s.store.GetOrCreateUser(userID, "")
	if err != nil {
		return nil, apperr.Wrap(apperr.Programming, "user provisioning failed", err)
	}
	return u, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && s.log != nil {
		s.log.Warnw("httpapi: response encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError && s.log != nil {
		s.log.Errorw("httpapi: internal error", "err", err)
	}
	s.writeJSON(w, status, map[string]string{"error": apperr.PublicMessage(err)})
}
