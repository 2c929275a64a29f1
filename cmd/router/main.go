package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"dialog_router/internal/assign"
	"dialog_router/internal/config"
	"dialog_router/internal/dialog"
	"dialog_router/internal/directory"
	"dialog_router/internal/domain"
	"dialog_router/internal/knowledge"
	"dialog_router/internal/mirror"
	"dialog_router/internal/queue"
	"dialog_router/internal/request"
	"dialog_router/internal/sla"
	sqlitestore "dialog_router/internal/store/sqlite"
	"dialog_router/internal/surface"
)

type app struct {
	cfg       config.Config
	store     *sqlitestore.Store
	dialogs   *dialog.Service
	syncer    *mirror.Syncer
	knowledge *knowledge.Indexer
	submitter *request.Submitter
	directory *directory.Directory
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.dialog_router/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	surfaceFlag := flag.String("surface", "", "platform gateway base url override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Router.Addr, ":8093")
	dbPath := firstNonEmpty(*dbPathFlag, cfg.Router.DBPath, "data/dialog_router.db")
	surfaceURL := firstNonEmpty(*surfaceFlag, cfg.Router.SurfaceBaseURL, "http://127.0.0.1:8095")
	dbPath = filepath.Clean(dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	surf := surface.NewHTTPClient(surfaceURL, log.Default())
	roster := directory.New(store)
	assigner := assign.New(roster)

	dialogs := dialog.New(store, assigner, surf, dialog.Config{
		EscalationChannelID: cfg.Router.EscalationChannelID,
		HistoryChunkSize:    intOrDefault(cfg.Router.HistoryChunkSize, 3800),
		HistoryChunkDelay:   durationMS(cfg.Router.HistoryChunkDelayMS, 300*time.Millisecond),
	}, log.Default())

	syncer := mirror.NewSyncer(store, surf, log.Default())

	reconciler := mirror.NewReconciler(store, surf, mirror.ReconcilerConfig{
		Interval:        durationMS(cfg.Router.ReconcileIntervalMS, 15*time.Second),
		Window:          durationHours(cfg.Router.ReconcileWindowHours, 24*time.Hour),
		ProbeDelay:      durationMS(cfg.Router.ReconcileProbeDelayMS, 50*time.Millisecond),
		BatchLimit:      intOrDefault(cfg.Router.ReconcileBatchLimit, 500),
		TechnicalChatID: cfg.Router.TechnicalChatID,
	}, log.Default())
	reconciler.Start(ctx)

	monitor := sla.New(store, surf, sla.Config{
		Timeout:              durationMinutes(cfg.Router.SLATimeoutMinutes, 5*time.Minute),
		CheckInterval:        durationMS(cfg.Router.SLACheckIntervalMS, time.Minute),
		SupervisoryChannelID: cfg.Router.EscalationChannelID,
	}, log.Default())
	monitor.Start(ctx)

	indexer := knowledge.New(store, log.Default())

	var submitter *request.Submitter
	if cfg.Queue.URL != "" {
		publisher, err := queue.NewPublisher(cfg.Queue.URL, firstNonEmpty(cfg.Queue.Exchange, "dialog_router"), log.Default())
		if err != nil {
			log.Fatalf("connect request queue: %v", err)
		}
		defer func() {
			_ = publisher.Close()
		}()
		submitter = request.NewSubmitter(publisher, surf, request.SubmitterConfig{
			RoutingKey:            cfg.Queue.RoutingKey,
			ApplicationsChannelID: cfg.Router.ApplicationsChannelID,
		}, log.Default())
	} else {
		log.Printf("request queue disabled: no queue url configured")
	}

	a := &app{
		cfg:       cfg,
		store:     store,
		dialogs:   dialogs,
		syncer:    syncer,
		knowledge: indexer,
		submitter: submitter,
		directory: roster,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/agents", a.handleAgents)
	mux.HandleFunc("/events/client-message", a.handleClientMessage)
	mux.HandleFunc("/events/agent-message", a.handleAgentMessage)
	mux.HandleFunc("/events/client-edit", a.handleClientEdit)
	mux.HandleFunc("/events/agent-edit", a.handleAgentEdit)
	mux.HandleFunc("/events/deleted", a.handleDeleted)
	mux.HandleFunc("/dialogs", a.handleDialogs)
	mux.HandleFunc("/dialogs/", a.handleDialogByID)
	mux.HandleFunc("/knowledge/index", a.handleKnowledgeIndex)
	mux.HandleFunc("/knowledge/search", a.handleKnowledgeSearch)
	mux.HandleFunc("/requests/submit", a.handleRequestSubmit)

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"dialog_router started addr=%s db=%s surface=%s manager_chat=%d",
		addr,
		dbPath,
		surfaceURL,
		cfg.Router.ManagerChatID,
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
	monitor.Wait()
	reconciler.Wait()
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": a.cfg.Path,
		"raw":  a.cfg.Raw,
	})
}

func (a *app) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		agents, err := a.directory.ListAvailable(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, agents)
	case http.MethodPost:
		var req domain.Agent
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if req.ExternalID == 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("external_id is required"))
			return
		}
		agent, err := a.store.UpsertAgent(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleClientMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ClientID    int64  `json:"client_id"`
		ChatID      int64  `json:"chat_id"`
		DisplayName string `json:"display_name"`
		Username    string `json:"username"`
		MessageID   int64  `json:"message_id"`
		Text        string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if req.ClientID == 0 || req.MessageID == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("client_id and message_id are required"))
		return
	}
	d, err := a.dialogs.HandleClientMessage(r.Context(), dialog.ClientMessage{
		ClientExternalID: req.ClientID,
		ClientChatID:     req.ChatID,
		DisplayName:      req.DisplayName,
		Username:         req.Username,
		MessageID:        req.MessageID,
		Text:             req.Text,
	})
	if err != nil {
		writeError(w, statusForDialogError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *app) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		AgentID     int64  `json:"agent_id"`
		DisplayName string `json:"display_name"`
		ChatID      int64  `json:"chat_id"`
		ThreadID    int64  `json:"thread_id"`
		MessageID   int64  `json:"message_id"`
		Text        string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if req.ChatID == 0 || req.ThreadID == 0 || req.MessageID == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("chat_id, thread_id and message_id are required"))
		return
	}
	err := a.dialogs.HandleAgentMessage(r.Context(), dialog.AgentMessage{
		AgentExternalID: req.AgentID,
		DisplayName:     req.DisplayName,
		ChatID:          req.ChatID,
		ThreadID:        req.ThreadID,
		MessageID:       req.MessageID,
		Text:            req.Text,
	})
	if err != nil {
		writeError(w, statusForDialogError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "delivered"})
}

func (a *app) handleClientEdit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if err := a.syncer.ClientEdited(r.Context(), req.MessageID, req.Text); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "synced"})
}

func (a *app) handleAgentEdit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
		IsCaption bool   `json:"is_caption"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if err := a.syncer.AgentEdited(r.Context(), req.MessageID, req.Text, req.IsCaption); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "synced"})
}

func (a *app) handleDeleted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		MessageIDs []int64 `json:"message_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if len(req.MessageIDs) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("message_ids is required"))
		return
	}
	var err error
	if len(req.MessageIDs) == 1 {
		err = a.syncer.SurfaceMessageDeleted(r.Context(), req.MessageIDs[0])
	} else {
		err = a.syncer.SurfaceMessagesDeleted(r.Context(), req.MessageIDs)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "synced"})
}

func (a *app) handleDialogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := queryInt(r, "limit", 100)
	dialogs, err := a.dialogs.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, dialogs)
}

func (a *app) handleDialogByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/dialogs/")
	parts := strings.Split(trimmed, "/")
	dialogID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || dialogID <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("dialog id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		d, err := a.dialogs.Get(r.Context(), dialogID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
		return
	}

	action := parts[1]
	switch action {
	case "resolve":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := a.dialogs.Resolve(r.Context(), dialogID); err != nil {
			writeError(w, statusForDialogError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "resolved", "dialog_id": dialogID})
	case "escalate":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			By     string `json:"by"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if strings.TrimSpace(req.Reason) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("reason is required"))
			return
		}
		if err := a.dialogs.Escalate(r.Context(), dialogID, req.By, req.Reason); err != nil {
			writeError(w, statusForDialogError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "escalated", "dialog_id": dialogID})
	case "transfer":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			ByAgentID int64 `json:"by_agent_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		next, err := a.dialogs.Transfer(r.Context(), dialogID, req.ByAgentID)
		if err != nil {
			writeError(w, statusForDialogError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, next)
	case "notes":
		switch r.Method {
		case http.MethodGet:
			notes, err := a.dialogs.ListNotes(r.Context(), dialogID)
			if err != nil {
				writeError(w, statusForDialogError(err), err)
				return
			}
			writeJSON(w, http.StatusOK, notes)
		case http.MethodPost:
			var req struct {
				AuthorID   int64  `json:"author_id"`
				AuthorName string `json:"author_name"`
				Text       string `json:"text"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
				return
			}
			if strings.TrimSpace(req.Text) == "" {
				writeError(w, http.StatusBadRequest, fmt.Errorf("text is required"))
				return
			}
			note, err := a.dialogs.AddNote(r.Context(), dialogID, req.AuthorID, req.AuthorName, req.Text)
			if err != nil {
				writeError(w, statusForDialogError(err), err)
				return
			}
			writeJSON(w, http.StatusCreated, note)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "history":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		history, err := a.dialogs.History(r.Context(), dialogID)
		if err != nil {
			writeError(w, statusForDialogError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, history)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}

func (a *app) handleKnowledgeIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if req.MessageID == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("message_id is required"))
		return
	}
	indexed, err := a.knowledge.IndexPost(r.Context(), req.MessageID, req.Text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"indexed": indexed})
}

func (a *app) handleKnowledgeSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("q is required"))
		return
	}
	limit := queryInt(r, "limit", 20)
	entries, err := a.knowledge.Search(r.Context(), query, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *app) handleRequestSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if a.submitter == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("request queue is not configured"))
		return
	}
	var req struct {
		CreatedBy    int64    `json:"created_by"`
		ClientChatID int64    `json:"client_chat_id"`
		Answers      []string `json:"answers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}

	session := request.NewSession(req.CreatedBy)
	for _, answer := range req.Answers {
		if session.Done() {
			break
		}
		if _, err := session.Input(answer); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("step %s: %w", session.Current().ID, err))
			return
		}
	}
	if !session.Done() {
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("flow incomplete, next step %s: %s", session.Current().ID, session.Current().Prompt))
		return
	}

	submitted, err := a.submitter.Submit(r.Context(), session.Application(), req.ClientChatID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitted)
}

func statusForDialogError(err error) int {
	switch {
	case errors.Is(err, dialog.ErrDialogNotFound):
		return http.StatusNotFound
	case errors.Is(err, dialog.ErrNoCapacity):
		return http.StatusServiceUnavailable
	case errors.Is(err, dialog.ErrNotActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func durationMinutes(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Minute
}

func durationHours(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Hour
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
