package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicebridge/voicebridge/internal/aibridge"
	"github.com/voicebridge/voicebridge/internal/api"
	"github.com/voicebridge/voicebridge/internal/api/middleware"
	"github.com/voicebridge/voicebridge/internal/call"
	"github.com/voicebridge/voicebridge/internal/config"
	"github.com/voicebridge/voicebridge/internal/directory"
	"github.com/voicebridge/voicebridge/internal/metrics"
	"github.com/voicebridge/voicebridge/internal/moh"
	"github.com/voicebridge/voicebridge/internal/notify"
	"github.com/voicebridge/voicebridge/internal/prompts"
	"github.com/voicebridge/voicebridge/internal/provision"
	"github.com/voicebridge/voicebridge/internal/recording"
	"github.com/voicebridge/voicebridge/internal/rtp"
	"github.com/voicebridge/voicebridge/internal/signaling"
	"github.com/voicebridge/voicebridge/internal/sms"
	"github.com/voicebridge/voicebridge/internal/store"
	"github.com/voicebridge/voicebridge/internal/store/models"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting voicebridge",
		"http_port", cfg.HTTPPort,
		"signaling_port", cfg.SIPWSPort,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := store.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Unpack the embedded audio prompts next to the database.
	if err := prompts.Extract(cfg.DataDir); err != nil {
		slog.Error("failed to extract audio prompts", "error", err)
		os.Exit(1)
	}

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		slog.Error("failed to decode jwt secret", "error", err)
		os.Exit(1)
	}
	hmacSecret, err := cfg.HMACSecretBytes()
	if err != nil {
		slog.Error("failed to decode hmac secret", "error", err)
		os.Exit(1)
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Load system configuration from database.
	sysConfig, err := store.NewSystemConfigRepository(context.Background(), db)
	if err != nil {
		slog.Error("failed to load system config", "error", err)
		os.Exit(1)
	}
	domain, _ := sysConfig.Get(context.Background(), "sip_domain")

	// Media plane.
	media, err := rtp.NewManager(cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		slog.Error("failed to create rtp manager", "error", err)
		os.Exit(1)
	}
	music := moh.NewManager(logger)

	// AI bridge. The handler adapter gets its call manager after the
	// call manager is built; no session exists before then.
	instanceID, _ := os.Hostname()
	if instanceID == "" {
		instanceID = "voicebridge"
	}
	handler := &bridgeHandler{}
	bridge := aibridge.NewManager(aibridge.Config{
		URL:               cfg.AIPlatformURL,
		JWTSecret:         jwtSecret,
		HMACSecret:        hmacSecret,
		InstanceID:        instanceID,
		SampleRate:        cfg.AISampleRate,
		MaxRetries:        cfg.AIMaxRetries,
		HeartbeatInterval: time.Duration(cfg.AIHeartbeatS) * time.Second,
	}, handler, logger)

	calls := call.NewManager(call.Config{
		MaxConcurrentCalls:  cfg.MaxConcurrentCalls,
		MaxCallsPerNumber:   cfg.MaxCallsPerNumber,
		MaxQueueSize:        cfg.MaxQueueSize,
		DTMFSequenceTimeout: time.Duration(cfg.DTMFSequenceTimeoutS) * time.Second,
		IVRSessionTimeout:   time.Duration(cfg.IVRSessionTimeoutS) * time.Second,
		SampleRate:          cfg.SampleRate,
		AISampleRate:        cfg.AISampleRate,
		FrameMs:             cfg.FrameMs,
	}, media, bridge, music, logger)
	handler.calls = calls

	// Proxy RPC client for commands toward the SIP plane.
	sigClient := signaling.NewClient(signaling.ClientConfig{
		RPCURL:   cfg.ProxyRPCURL,
		Username: cfg.ProxyRPCUser,
		Password: cfg.ProxyRPCPassword,
		Domain:   domain,
	}, logger)
	calls.SetSignaler(sigClient)

	// Messaging plane.
	messages := sms.NewManager(sms.Config{
		Domain:              domain,
		QueueMax:            cfg.SMSQueueMax,
		GlobalRatePerMin:    cfg.SMSGlobalRatePerMin,
		PerNumberRatePerMin: cfg.SMSPerNumberRatePerMin,
		RetryInterval:       time.Duration(cfg.SMSRetryIntervalS) * time.Second,
		Expiry:              time.Duration(cfg.SMSExpiryH) * time.Hour,
	}, sigClient, logger)
	archive := store.NewSMSArchiveRepository(db)
	messages.SetBridge(bridge)
	messages.SetArchiver(&smsArchiver{repo: archive})
	messages.SetCaller(sms.CallerFunc(func(number string) error {
		from, _ := sysConfig.Get(context.Background(), "callback_from")
		if from == "" {
			from = "voicebridge"
		}
		_, err := calls.InitiateOutbound(from, number, nil)
		return err
	}))

	// Webhook notifier. An empty URL disables broadcast events while
	// per-message webhooks keep working through Post.
	webhookURL, _ := sysConfig.Get(context.Background(), "webhook_url")
	webhookSecret, _ := sysConfig.Get(context.Background(), "webhook_secret")
	notifier := notify.New(webhookURL, webhookSecret, logger)
	messages.SetWebhooks(notifier)

	// Optional read-only view of the proxy's subscriber directory.
	if cfg.DirectoryDSN != "" {
		dir, err := directory.Open(cfg.DirectoryDSN, domain)
		if err != nil {
			slog.Error("failed to open subscriber directory", "error", err)
			os.Exit(1)
		}
		defer dir.Close()
		calls.SetResolver(dir)
		messages.SetDirectory(dir)
		slog.Info("subscriber directory connected")
	}

	recorder, err := recording.NewManager(cfg.DataDir, time.Duration(cfg.RecordingRetentionDays)*24*time.Hour, logger)
	if err != nil {
		slog.Error("failed to create recording manager", "error", err)
		os.Exit(1)
	}
	calls.SetRecorder(recorder)

	// Control channel the proxy connects to. It doubles as the call
	// state notifier and the RPC client's command pusher.
	sigServer := signaling.NewServer(signaling.ServerConfig{
		Token:     cfg.ControlToken,
		Domain:    domain,
		MediaHost: cfg.MediaIP(),
	}, calls, messages, logger)
	calls.SetNotifier(sigServer)
	sigClient.SetPusher(sigServer)

	// Persist every ended call as a history record.
	records := store.NewCallRecordRepository(db)
	calls.Bus().Subscribe(call.EventCallEnded, func(ev call.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := records.Create(ctx, recordFromSnapshot(ev.Snapshot)); err != nil {
			slog.Error("failed to write call record", "call_id", ev.CallID, "error", err)
		}
	})

	// Broadcast lifecycle events to the configured webhook.
	if notifier.Configured() {
		for _, evType := range []string{
			call.EventCallCreated,
			call.EventCallEnded,
			call.EventCallRejected,
			call.EventCallForwarded,
		} {
			calls.Bus().Subscribe(evType, func(ev call.Event) {
				notifier.Notify(ev.Type, map[string]any{"call": ev.Snapshot, "data": ev.Data})
			})
		}
		for _, evType := range []string{sms.EventReceived, sms.EventDelivered, sms.EventFailed} {
			messages.Subscribe(evType, func(event string, msg sms.Message) {
				notifier.Notify(event, map[string]any{"message": msg})
			})
		}
	}

	// Load provisioned configuration into the live registries. A bad
	// row is a fatal boot error so broken config never serves calls.
	repos := provision.Repos{
		RoutingRules:   store.NewRoutingRuleRepository(db),
		NumberLists:    store.NewNumberListRepository(db),
		DTMFPatterns:   store.NewDTMFPatternRepository(db),
		IVRMenus:       store.NewIVRMenuRepository(db),
		SMSRules:       store.NewSMSRuleRepository(db),
		SMSTemplates:   store.NewSMSTemplateRepository(db),
		BlockedSenders: store.NewBlockedSenderRepository(db),
		MohSources:     store.NewMohSourceRepository(db),
	}
	registries := provision.Registries{
		Router:   calls.Router(),
		Patterns: calls.DTMF(),
		Menus:    calls.IVR(),
		Messages: messages.Processor(),
		Music:    music,
	}
	if err := provision.LoadAll(appCtx, repos, registries, logger); err != nil {
		slog.Error("failed to load provisioned configuration", "error", err)
		os.Exit(1)
	}

	// Metrics collector reads the managers at scrape time.
	collector := metrics.NewCollector(time.Now()).
		WithCalls(calls).
		WithMedia(media).
		WithBridge(bridge).
		WithDTMF(calls).
		WithSMS(messages).
		WithMoh(music).
		WithIVR(calls.IVR()).
		WithSignaling(sigClient)
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collector)

	// Management API and metrics share the HTTP port.
	apiSrv := api.NewServer(api.Config{
		JWTSecret:   jwtSecret,
		CORSOrigins: middleware.SplitOrigins(cfg.CORSOrigins),
	}, api.Deps{
		Calls:      calls,
		Messages:   messages,
		Music:      music,
		Media:      media,
		Bridge:     bridge,
		Signaling:  sigClient,
		Accounts:   store.NewAdminAccountRepository(db),
		Settings:   sysConfig,
		Records:    records,
		Archive:    archive,
		Provision:  repos,
		Registries: registries,
	}, logger)
	defer apiSrv.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.Handle("/", apiSrv)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// The control channel holds long-lived WebSockets, so it gets no
	// blanket write timeout; the signaling server bounds each write.
	ctlSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.SIPWSPort),
		Handler:           sigServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Background loops.
	go calls.Run(appCtx)
	go calls.DTMF().Run(appCtx)
	go calls.IVR().Run(appCtx)
	go messages.Run(appCtx)
	go music.Run(appCtx)
	go bridge.Run(appCtx)
	go recorder.Run(appCtx)
	go notifier.Run(appCtx)
	go sigClient.Run(appCtx)

	// Start servers in goroutines.
	errCh := make(chan error, 2)
	go func() {
		slog.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		slog.Info("signaling server listening", "addr", ctlSrv.Addr)
		if err := ctlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("server error", "error", err)
	}

	// Graceful shutdown with timeout. Cancelling the app context ends
	// every live call before the servers close.
	appCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down servers")
	if err := ctlSrv.Shutdown(ctx); err != nil {
		slog.Error("signaling server shutdown error", "error", err)
	}
	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	bridge.DisconnectAll("shutdown")
	media.ReleaseAll()

	slog.Info("voicebridge stopped")
}

// bridgeHandler routes AI platform events into the call manager. The
// calls field is set right after the call manager is constructed,
// before any session can exist.
type bridgeHandler struct {
	calls *call.Manager
}

func (h *bridgeHandler) HandleAudio(callID string, pcm []byte) { h.calls.HandleAIAudio(callID, pcm) }
func (h *bridgeHandler) HandleHangup(callID string)            { h.calls.HandleAIHangup(callID) }
func (h *bridgeHandler) HandleTransfer(callID, target string) {
	h.calls.HandleAITransfer(callID, target)
}
func (h *bridgeHandler) HandleHold(callID string)   { h.calls.HandleAIHold(callID) }
func (h *bridgeHandler) HandleResume(callID string) { h.calls.HandleAIResume(callID) }
func (h *bridgeHandler) HandleDTMFSend(callID, digit string) {
	h.calls.HandleAIDTMFSend(callID, digit)
}
func (h *bridgeHandler) ConnectionFailed(callID, reason string) {
	h.calls.HandleAIConnectionFailed(callID, reason)
}

// smsArchiver persists terminal messages through the archive
// repository.
type smsArchiver struct {
	repo store.SMSArchiveRepository
}

func (a *smsArchiver) ArchiveMessage(ctx context.Context, msg sms.Message) error {
	return a.repo.Archive(ctx, &models.SMSRecord{
		MessageID:      msg.ID,
		Direction:      string(msg.Direction),
		FromNumber:     msg.From,
		ToNumber:       msg.To,
		Body:           msg.Body,
		Status:         string(msg.Status),
		Encoding:       string(msg.Encoding),
		Segments:       msg.Segments,
		Priority:       int(msg.Priority),
		ConversationID: msg.ConversationID,
		CallID:         msg.CallID,
		RetryCount:     msg.RetryCount,
		LastError:      msg.LastError,
		CreatedAt:      msg.CreatedAt,
		SentAt:         msg.SentAt,
		DeliveredAt:    msg.DeliveredAt,
	})
}

// recordFromSnapshot converts a final call snapshot into its history
// record.
func recordFromSnapshot(snap call.Snapshot) *models.CallRecord {
	rec := &models.CallRecord{
		CallID:        snap.CallID,
		SessionID:     snap.SessionID,
		SIPCallID:     snap.SIPCallID,
		Direction:     string(snap.Direction),
		FromNumber:    snap.Caller.Number,
		FromName:      snap.Caller.Name,
		ToNumber:      snap.Callee.Number,
		StartTime:     snap.CreatedAt,
		RingTime:      snap.RingStart,
		ConnectTime:   snap.ConnectTime,
		EndTime:       snap.EndTime,
		FinalState:    string(snap.State),
		HangupReason:  snap.HangupReason,
		Codec:         snap.Codec,
		QueueName:     snap.QueueName,
		AISessionID:   snap.AISessionID,
		RecordingFile: snap.RecordingPath,
	}
	if d := snap.Duration(); d > 0 {
		secs := int(d.Seconds())
		rec.DurationS = &secs
	}
	return rec
}
