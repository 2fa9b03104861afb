// Command feedproxy serves merged category feeds over HTTP: group CRUD,
// a fresh merge per feed request, and load-more continuation backed by
// a per-process merge session.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/forumtools/discourse-mergefeed/pkg/client"
	"github.com/forumtools/discourse-mergefeed/pkg/groups"
	"github.com/forumtools/discourse-mergefeed/pkg/hierarchy"
	"github.com/forumtools/discourse-mergefeed/pkg/logging"
	"github.com/forumtools/discourse-mergefeed/pkg/merge"
	"github.com/forumtools/discourse-mergefeed/pkg/paths"
	"github.com/forumtools/discourse-mergefeed/pkg/progress"
	"github.com/forumtools/discourse-mergefeed/pkg/settings"
	"github.com/forumtools/discourse-mergefeed/pkg/store"
	"github.com/forumtools/discourse-mergefeed/pkg/tagicons"
	"github.com/forumtools/discourse-mergefeed/pkg/topics"
)

func loadConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("mergefeed")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("listen", ":8080")
	viper.SetDefault("forum.base_url", "https://linux.do")
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.pretty", false)
	viper.SetDefault("request.concurrency", 5)
	viper.SetDefault("request.delay_ms", 200)
	viper.SetDefault("request.max_retry_attempts", 3)
	viper.SetDefault("forum.theme_assets", []string{})

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(err)
		}
	}
}

func newStore(ctx context.Context) (store.Store, error) {
	addr := viper.GetString("redis.addr")
	if addr == "" {
		return store.NewMemoryStore(), nil
	}
	redisClient := redis.NewClient(&redis.Options{Addr: addr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return store.NewRedisStore(redisClient), nil
}

func main() {
	loadConfig()
	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(viper.GetString("log.level")),
		Pretty: viper.GetBool("log.pretty"),
		Output: os.Stderr,
	}).With().Str("component", "feedproxy").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := newStore(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect storage")
	}

	baseURL := strings.TrimRight(viper.GetString("forum.base_url"), "/")
	httpClient := &http.Client{Timeout: 30 * time.Second}
	fetcher := client.New()
	settingsProvider := settings.NewStoreProvider(kv, settings.Settings{
		Concurrency:      viper.GetInt("request.concurrency"),
		RequestDelayMs:   viper.GetInt("request.delay_ms"),
		MaxRetryAttempts: viper.GetInt("request.max_retry_attempts"),
	})
	resolver := paths.NewResolver(kv)
	hierarchyService := hierarchy.NewService(hierarchy.Config{
		BaseURL:    baseURL,
		HTTPClient: httpClient,
		Fetcher:    fetcher,
		Store:      kv,
		Settings:   settingsProvider,
	})
	engine := merge.NewEngine(merge.Config{
		Topics: topics.NewFetcher(topics.Config{
			BaseURL:    baseURL,
			HTTPClient: httpClient,
			Retry:      fetcher,
			Resolver:   resolver,
		}),
		Hierarchy: hierarchyService,
		Settings:  settingsProvider,
		Progress:  progress.NewLogReporter(),
	})
	groupService := groups.NewService(kv)
	tagIconService := tagicons.NewService(tagicons.Config{
		HTTPClient: httpClient,
		Fetcher:    fetcher,
		Store:      kv,
		Assets:     tagicons.StaticAssets(viper.GetStringSlice("forum.theme_assets")),
	})

	hierarchyService.SchedulePrefetch(ctx)
	tagIconService.SchedulePrefetch(ctx)
	refreshCron := hierarchyService.StartDailyRefresh(ctx)
	defer refreshCron.Stop()

	srv := &server{
		groups:   groupService,
		sessions: merge.NewSession(engine),
		settings: settingsProvider,
		tagicons: tagIconService,
	}

	router := srv.routes()

	addr := viper.GetString("listen")
	httpServer := &http.Server{Addr: addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Str("forum", baseURL).Msg("Starting feed proxy")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

type server struct {
	groups   *groups.Service
	sessions *merge.Session
	settings *settings.StoreProvider
	tagicons *tagicons.Service
}

func (s *server) routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", healthHandler)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	router.Get("/groups", s.listGroups)
	router.Post("/groups", s.createGroup)
	router.Put("/groups/{id}", s.updateGroup)
	router.Delete("/groups/{id}", s.deleteGroup)
	router.Get("/feed/{name}", s.feed)
	router.Post("/feed/{name}/more", s.more)
	router.Get("/settings", s.getSettings)
	router.Put("/settings", s.putSettings)
	router.Get("/tagicons/{tag}", s.tagIcon)
	return router
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *server) listGroups(w http.ResponseWriter, r *http.Request) {
	list, err := s.groups.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *server) createGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string  `json:"name"`
		CategoryIDs []int64 `json:"categoryIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	group, err := s.groups.Create(r.Context(), body.Name, body.CategoryIDs)
	if err != nil {
		http.Error(w, err.Error(), groupStatus(err))
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (s *server) updateGroup(w http.ResponseWriter, r *http.Request) {
	var group groups.Group
	if err := json.NewDecoder(r.Body).Decode(&group); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	group.ID = chi.URLParam(r, "id")
	if err := s.groups.Update(r.Context(), group); err != nil {
		http.Error(w, err.Error(), groupStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *server) deleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.groups.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) feed(w http.ResponseWriter, r *http.Request) {
	group, err := s.groups.GetByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		http.Error(w, err.Error(), groupStatus(err))
		return
	}
	result, err := s.sessions.Refresh(r.Context(), group.CategoryIDs)
	s.writeFeed(w, result, err)
}

func (s *server) more(w http.ResponseWriter, r *http.Request) {
	if _, err := s.groups.GetByName(r.Context(), chi.URLParam(r, "name")); err != nil {
		http.Error(w, err.Error(), groupStatus(err))
		return
	}
	result, err := s.sessions.LoadMore(r.Context())
	s.writeFeed(w, result, err)
}

func (s *server) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Settings(r.Context()))
}

func (s *server) putSettings(w http.ResponseWriter, r *http.Request) {
	var body settings.Settings
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	saved, err := s.settings.Save(r.Context(), body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *server) tagIcon(w http.ResponseWriter, r *http.Request) {
	icon, ok := s.tagicons.Lookup(r.Context(), chi.URLParam(r, "tag"))
	if !ok {
		http.Error(w, "no icon for tag", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, icon)
}

func (s *server) writeFeed(w http.ResponseWriter, result *merge.Result, err error) {
	switch {
	case errors.Is(err, merge.ErrSuperseded):
		http.Error(w, "superseded by a newer request", http.StatusConflict)
	case errors.Is(err, merge.ErrNoActiveFeed):
		http.Error(w, "no active feed", http.StatusBadRequest)
	case client.IsAborted(err):
		http.Error(w, "cancelled", 499)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func groupStatus(err error) int {
	switch {
	case errors.Is(err, groups.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, groups.ErrNameTaken), errors.Is(err, groups.ErrInvalidName):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
