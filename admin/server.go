package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tech-events-bot/broadcast"
	"tech-events-bot/config"
	"tech-events-bot/db"
	"tech-events-bot/scheduler"
)

const defaultHistoryLimit = 20

type Store interface {
	CountActive(ctx context.Context) (int, error)
	ListActive(ctx context.Context) ([]db.Subscriber, error)
	GetSubscriber(ctx context.Context, id string) (db.Subscriber, error)
	ListRuns(ctx context.Context, limit int) ([]db.BroadcastRun, error)
	GetRun(ctx context.Context, id string) (db.BroadcastRun, error)
	LastRun(ctx context.Context) (db.BroadcastRun, error)
	Ping(ctx context.Context) error
}

type Broadcaster interface {
	Run(ctx context.Context, trigger db.Trigger) (db.BroadcastRun, error)
	Start(ctx context.Context, trigger db.Trigger) error
	Running() bool
}

type Schedule interface {
	Today() scheduler.DayState
}

// Info is static configuration shown on the dashboard.
type Info struct {
	SendTime string
	Timezone string
	// LiveEvents is false when the bot serves sample events only.
	LiveEvents bool
}

type Server struct {
	info     Info
	store    Store
	engine   Broadcaster
	schedule Schedule
	auth     *authenticator
	router   *mux.Router
	log      zerolog.Logger

	// background runs started by ?async=1
	background context.Context
}

func NewServer(cfg config.AdminConfig, info Info, store Store, engine Broadcaster, schedule Schedule, log zerolog.Logger) *Server {
	s := &Server{
		info:       info,
		store:      store,
		engine:     engine,
		schedule:   schedule,
		auth:       newAuthenticator(cfg.Password, cfg.JWTSecret, cfg.SessionTTL.Std()),
		router:     mux.NewRouter(),
		log:        log.With().Str("component", "admin").Logger(),
		background: context.Background(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Methods(http.MethodGet).Path("/health").HandlerFunc(s.health)
	s.router.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())
	s.router.Methods(http.MethodPost).Path("/login").HandlerFunc(s.login)

	protected := s.router.NewRoute().Subrouter()
	protected.Use(s.auth.middleware)
	protected.Methods(http.MethodGet).Path("/").HandlerFunc(s.dashboard)
	protected.Methods(http.MethodGet).Path("/subscribers").HandlerFunc(s.subscribers)
	protected.Methods(http.MethodGet).Path("/subscribers/{id}").HandlerFunc(s.subscriberById)
	protected.Methods(http.MethodGet).Path("/broadcasts").HandlerFunc(s.broadcasts)
	protected.Methods(http.MethodGet).Path("/broadcasts/{id}").HandlerFunc(s.broadcastById)
	protected.Methods(http.MethodPost).Path("/broadcast/trigger").HandlerFunc(s.trigger)
	protected.Methods(http.MethodGet).Path("/broadcast/status").HandlerFunc(s.status)
}

// MountWebhook routes Telegram updates to handler. The path carries the bot
// token, so it is the only credential.
func (s *Server) MountWebhook(path string, handler http.Handler) {
	if handler == nil {
		return
	}
	s.router.Methods(http.MethodPost).Path(path).Handler(handler)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
// Background broadcasts inherit ctx.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.background = ctx
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("admin server listening")
		errc <- server.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return errors.Wrap(err, "admin server failed")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "admin server shutdown")
	}
	s.log.Info().Msg("admin server stopped")
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("health check: database unreachable")
		body["status"] = "degraded"
		body["database"] = "unreachable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid login body"))
		return
	}
	if !s.auth.checkPassword(req.Password) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("admin login rejected")
		writeError(w, http.StatusUnauthorized, ErrUnauthorized)
		return
	}
	token, expires, err := s.auth.issue()
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expires})
}

type dashboardResponse struct {
	ActiveSubscribers int              `json:"active_subscribers"`
	SendTime          string           `json:"send_time"`
	Timezone          string           `json:"timezone"`
	SchedulerState    string           `json:"scheduler_state"`
	BroadcastRunning  bool             `json:"broadcast_running"`
	LiveEvents        bool             `json:"live_events"`
	LastRun           *db.BroadcastRun `json:"last_run"`
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	count, err := s.store.CountActive(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := dashboardResponse{
		ActiveSubscribers: count,
		SendTime:          s.info.SendTime,
		Timezone:          s.info.Timezone,
		SchedulerState:    s.schedule.Today().String(),
		BroadcastRunning:  s.engine.Running(),
		LiveEvents:        s.info.LiveEvents,
	}
	last, err := s.store.LastRun(r.Context())
	switch {
	case err == nil:
		resp.LastRun = &last
	case errors.Is(err, db.ErrNotFound):
	default:
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type subscriberView struct {
	Id           string    `json:"id"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

func (s *Server) subscribers(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListActive(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	views := make([]subscriberView, 0, len(list))
	for _, sub := range list {
		views = append(views, subscriberView{Id: sub.Id, SubscribedAt: sub.SubscribedAt})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(views), "subscribers": views})
}

type subscriberStatus struct {
	subscriberView
	Active bool `json:"active"`
}

// subscriberById also finds unsubscribed records, which are kept as history.
func (s *Server) subscriberById(w http.ResponseWriter, r *http.Request) {
	sub, err := s.store.GetSubscriber(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriberStatus{
		subscriberView: subscriberView{Id: sub.Id, SubscribedAt: sub.SubscribedAt},
		Active:         sub.Active,
	})
}

func (s *Server) broadcasts(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) broadcastById(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if err := s.engine.Start(s.background, db.TriggerManual); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
		return
	}
	// A client that hangs up must not cut the run short.
	run, err := s.engine.Run(context.WithoutCancel(r.Context()), db.TriggerManual)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type statusResponse struct {
	Running bool             `json:"running"`
	LastRun *db.BroadcastRun `json:"last_run"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Running: s.engine.Running()}
	last, err := s.store.LastRun(r.Context())
	switch {
	case err == nil:
		resp.LastRun = &last
	case errors.Is(err, db.ErrNotFound):
	default:
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("admin request failed")
		writeError(w, code, errors.New("internal error"))
		return
	}
	writeError(w, code, err)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, broadcast.ErrConcurrentTrigger):
		return http.StatusConflict
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
