// Command relaycore is the daemon entrypoint: it loads configuration,
// wires every CORE component (§4) and channel transport, then serves
// until signaled to stop. The startup sequence runs config → logger →
// event bus → persistence → component wiring → HTTP listener with
// SO_REUSEADDR. relaycore exposes a small fixed set of named endpoints
// plus per-channel webhook/websocket mounts, so the mux is built
// directly here rather than behind a separate routing package.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/relaycore/relaycore/internal/approval"
	"github.com/relaycore/relaycore/internal/assembler"
	"github.com/relaycore/relaycore/internal/bus"
	"github.com/relaycore/relaycore/internal/channels"
	"github.com/relaycore/relaycore/internal/config"
	"github.com/relaycore/relaycore/internal/consolidator"
	"github.com/relaycore/relaycore/internal/delivery"
	"github.com/relaycore/relaycore/internal/dispatch"
	"github.com/relaycore/relaycore/internal/lockfile"
	"github.com/relaycore/relaycore/internal/memstore"
	"github.com/relaycore/relaycore/internal/modelgw"
	"github.com/relaycore/relaycore/internal/pipeline"
	"github.com/relaycore/relaycore/internal/playbook"
	"github.com/relaycore/relaycore/internal/retryqueue"
	"github.com/relaycore/relaycore/internal/scheduler"
	"github.com/relaycore/relaycore/internal/shared"
	"github.com/relaycore/relaycore/internal/store"
	"github.com/relaycore/relaycore/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "config.invalid", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "logger.init", err)
	}
	defer closer.Close()

	logger.Info("config loaded",
		"bind_addr", cfg.BindAddr,
		"db_path", cfg.DBPath,
		"telegram_token", shared.RedactEnvValue("telegram_token", cfg.Channels.Telegram.Token),
		"project_tracker_token", shared.RedactEnvValue("project_tracker_token", cfg.ProjectTrackerToken),
	)

	lock, err := lockfile.Acquire(cfg.HomeDir + "/relaycore.lock")
	if err != nil {
		fatalStartup(logger, "lockfile.held", err)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus := bus.NewWithLogger(logger)

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = store.DefaultDBPath(cfg.HomeDir)
	}
	db, err := store.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "store.open", err)
	}
	defer db.Close()

	mem := memstore.New(db, store.NoopSearcher{})
	approvals := approval.New(eventBus, logger)
	approvals.StartSweeper(time.Duration(cfg.ApprovalTTLMs) * time.Millisecond)
	defer approvals.Stop()

	model := modelgw.New(cfg.ClaudePath, eventBus, logger)

	retryWorker := retryqueue.New(retryqueue.Config{
		Store:      db,
		Client:     trackerClient(cfg),
		Resolver:   placeholderResolver{},
		Suppressor: model.SyncSuppressor(),
		Bus:        eventBus,
		Logger:     logger,
		PollInterval: time.Duration(cfg.RetryPollMs) * time.Millisecond,
	})

	sandbox, err := playbook.New(playbook.Config{
		Image:       cfg.Sandbox.Image,
		MemoryMB:    cfg.Sandbox.MemoryMB,
		NetworkMode: cfg.Sandbox.NetworkMode,
		Workspace:   cfg.Sandbox.Workspace,
		Retry:       retryWorker,
		Logger:      logger,
	})
	if err != nil {
		logger.Warn("playbook sandbox unavailable, commands will be dropped", "error", err)
	} else {
		defer sandbox.Close()
	}

	consol := consolidator.New(db, mem, summarizer{model}, eventBus, logger, nil)

	dispatcher := dispatch.New(dispatch.Config{
		IdleDuration: time.Duration(cfg.IdleMs) * time.Millisecond,
		Logger:       logger,
	})
	defer dispatcher.Stop()

	sendRouter := newSendRouter()

	deliveryEngine := delivery.New(delivery.Config{
		Sender:     sendRouter,
		Store:      db,
		Bus:        eventBus,
		Logger:     logger,
		MaxRetries: cfg.MaxRetries,
	})

	var playbookRunner pipeline.PlaybookRunner
	if sandbox != nil {
		playbookRunner = sandbox
	}

	pl := pipeline.New(pipeline.Config{
		Store:      db,
		Memory:     mem,
		Approvals:  approvals,
		Model:      model,
		Dispatcher: dispatcher,
		Delivery:   deliveryEngine,
		Sources:    assembler.Sources{},
		Playbook:   playbookRunner,
		Bus:        eventBus,
		Logger:     logger,

		ModelTimeoutWithTools: time.Duration(cfg.ModelTimeoutMsWithTools) * time.Millisecond,
		ModelTimeoutNoTools:   time.Duration(cfg.ModelTimeoutMsNoTools) * time.Millisecond,
	})

	mux := http.NewServeMux()
	registerChannels(mux, cfg, pl, approvals, eventBus, consol, sendRouter, logger)
	registerAPI(mux, db, dispatcher, consol)

	sched := scheduler.New(ctx, logger)
	if err := sched.AddJob("consolidation_batch", cfg.ConsolidationBatchCron, func(jctx context.Context) {
		if _, err := consol.Run(jctx, ""); err != nil {
			logger.Error("scheduled consolidation failed", "error", err)
		}
	}); err != nil {
		logger.Error("failed to register consolidation batch job", "error", err)
	}
	sched.Start()
	defer sched.Stop()

	retryWorker.Start(ctx)
	defer retryWorker.Stop()

	server := &http.Server{Addr: cfg.BindAddr, Handler: mux}
	ln, err := listen(cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fmt.Fprintln(os.Stderr, portOccupantHint(cfg.BindAddr))
		}
		fatalStartup(logger, "http.listen", err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("relaycore listening", "addr", cfg.BindAddr)
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatalStartup(logger, "http.serve", err)
	}
}

// fatalStartup logs a reason-coded fatal startup error and exits(1):
// prefer the structured logger, fall back to a hand-formatted stderr
// line when the logger itself failed to initialize.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, `{"level":"fatal","reason_code":%q,"error":%q}`+"\n", reasonCode, err.Error())
	}
	os.Exit(1)
}

// listen binds addr with SO_REUSEADDR set via net.ListenConfig so a
// restarted daemon can rebind immediately after a crash without waiting
// out TIME_WAIT.
func listen(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return errors.Is(sysErr.Err, syscall.EADDRINUSE)
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, _ := net.SplitHostPort(addr)
	return fmt.Sprintf("another process is already listening on port %s; stop it or set a different bind_addr", port)
}

// placeholderResolver is the default IDResolver: relaycore has no
// external entity-ID mapping table configured out of the box, so a
// late-bound placeholder target simply resolves to itself, letting the
// Retry Queue's retry loop surface the unresolved reference as a normal
// delivery failure instead of panicking on a missing collaborator.
type placeholderResolver struct{}

func (placeholderResolver) Resolve(ctx context.Context, placeholder string) (string, error) {
	return placeholder, nil
}

func trackerClient(cfg config.Config) retryqueue.ProjectTrackerClient {
	if cfg.ProjectTrackerURL == "" {
		return noopTrackerClient{}
	}
	return retryqueue.NewHTTPTrackerClient(cfg.ProjectTrackerURL, cfg.ProjectTrackerToken)
}

type noopTrackerClient struct{}

func (noopTrackerClient) Apply(ctx context.Context, action, targetID string, payload map[string]any) error {
	return nil
}

// summarizer adapts modelgw.Gateway to consolidator.ModelInvoker.
type summarizer struct {
	gw *modelgw.Gateway
}

func (s summarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	result, err := s.gw.Invoke(ctx, modelgw.InvokeOptions{
		Prompt:  consolidationPrompt(transcript),
		Timeout: 60 * time.Second,
	})
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

func consolidationPrompt(transcript string) string {
	return "Summarize the following conversation as a JSON object " +
		`{"summary": "...", "memories": [{"type": "fact"|"action_item", "content": "..."}]}` +
		".\n\n" + transcript
}

// sendRouter dispatches delivery.Sender.Send by channel prefix to
// whichever transport owns that channel namespace ("telegram:",
// "browser:", ...).
type sendRouter struct {
	senders map[string]delivery.Sender
}

func newSendRouter() *sendRouter {
	return &sendRouter{senders: make(map[string]delivery.Sender)}
}

func (r *sendRouter) register(prefix string, s delivery.Sender) {
	r.senders[prefix] = s
}

func (r *sendRouter) Send(ctx context.Context, channel, text string) (string, error) {
	prefix, _, _ := strings.Cut(channel, ":")
	sender, ok := r.senders[prefix]
	if !ok {
		return "", fmt.Errorf("no sender registered for channel %s", channel)
	}
	return sender.Send(ctx, channel, text)
}

func registerChannels(mux *http.ServeMux, cfg config.Config, pl *pipeline.Pipeline, approvals *approval.Store, eventBus *bus.Bus, consol *consolidator.Consolidator, router *sendRouter, logger *slog.Logger) {
	if cfg.Channels.Telegram.Enabled {
		tg := channels.NewTelegramChannel(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedIDs, pl, approvals, eventBus, logger)
		router.register("telegram", tg)
		go tg.Start(context.Background())
	}
	if cfg.Channels.Browser.Enabled {
		br := channels.NewBrowserChannel(cfg.Channels.Browser.AllowOrigins, pl, logger)
		router.register("browser", br)
		mux.Handle("/ws/browser", br)
		go br.Start(context.Background())
	}
	if cfg.Channels.Enterprise.Enabled {
		ent := channels.NewEnterpriseChannel(pl, approvals, eventBus, logger)
		router.register("enterprise", ent)
		path := cfg.Channels.Enterprise.WebhookPath
		if path == "" {
			path = "/webhooks/enterprise"
		}
		mux.Handle(path, ent)
		go ent.Start(context.Background())
	}
	if cfg.Channels.Telephony.Enabled {
		tel := channels.NewTelephonyChannel(nil, pl, consol, logger)
		mux.Handle("/ws/telephony", tel)
		go tel.Start(context.Background())
	}
	if cfg.Channels.VoiceAssistant.Enabled {
		voice := channels.NewVoiceChannel(pl, router, time.Duration(cfg.WebhookDeadlineMs)*time.Millisecond, logger)
		path := cfg.Channels.VoiceAssistant.WebhookPath
		if path == "" {
			path = "/webhooks/voice"
		}
		mux.Handle(path, voice)
		go voice.Start(context.Background())
	}
}

func registerAPI(mux *http.ServeMux, db *store.Store, dispatcher *dispatch.Dispatcher, consol *consolidator.Consolidator) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/queue-status", func(w http.ResponseWriter, r *http.Request) {
		status := dispatcher.Status()
		writeJSON(w, map[string]any{
			"busy":         status.Busy,
			"queue_length": status.QueueLength,
		})
	})

	mux.HandleFunc("/api/consolidate", func(w http.ResponseWriter, r *http.Request) {
		channel := r.URL.Query().Get("channel")
		count, err := consol.Run(r.Context(), channel)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"blocks_consolidated": count})
	})

	mux.HandleFunc("/api/conversation/close", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}
		if err := db.CloseConversation(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/conversation/context", func(w http.ResponseWriter, r *http.Request) {
		channel := r.URL.Query().Get("channel")
		if channel == "" {
			http.Error(w, "missing channel", http.StatusBadRequest)
			return
		}
		conv, err := db.ActiveConversation(r.Context(), channel)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if conv == nil {
			writeJSON(w, map[string]any{"active": false})
			return
		}
		writeJSON(w, map[string]any{
			"active":        true,
			"id":            conv.ID,
			"message_count": conv.MessageCount,
			"summary":       conv.Summary,
		})
	})
}

func writeJSON(w http.ResponseWriter, v map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
