package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/config"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/handler"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/ai"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/bridge"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/links"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/sender"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/transport"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/voice"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	chatService := chat.NewService()

	// 访客会话：配置了 Redis 时持久化，否则保存在内存中
	var sessionStore sender.Store = sender.NewMemoryStore()
	if addr := cfg.Session.RedisAddr(); addr != "" {
		redisStore, err := sender.NewRedisStore(ctx, addr, cfg.Session.RedisPassword, cfg.Session.TTL)
		if err != nil {
			log.Printf("warning: failed to connect to redis: %v", err)
			log.Println("continuing with in-memory visitor sessions")
		} else {
			defer redisStore.Close()
			sessionStore = redisStore
			log.Printf("visitor sessions stored in redis at %s", addr)
		}
	}
	senders := sender.NewResolver(sessionStore)

	// Initialize AI service
	var aiService *ai.Service
	if cfg.AI.Enabled() {
		aiService, err = ai.NewService(ctx, chatService, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without AI functionality - 请检查 Ark 模型相关环境变量")
		} else {
			log.Println("AI service initialized successfully")
		}
	} else {
		log.Println("Ark 凭证未配置，跳过 AI 功能初始化")
	}

	// 没有配置对话后端但有模型可用时，直接由大模型回复
	if !cfg.Transport.Explicit && aiService != nil {
		cfg.Transport.Mode = config.ModeLLM
	}

	deps := transport.Deps{
		HTTPClient: &http.Client{Timeout: cfg.Transport.Timeout},
		PageURL:    cfg.Widget.PublicURL,
	}
	if aiService != nil {
		deps.Replier = aiService
	}
	chatTransport, err := transport.New(cfg.Transport, deps)
	if err != nil {
		log.Fatalf("failed to initialize chat transport: %v", err)
	}
	log.Printf("chat transport: %s", cfg.Transport.Mode)

	var verifier bridge.TokenVerifier
	if cfg.Bridge.JWTSecret != "" {
		verifier = bridge.NewJWTVerifier([]byte(cfg.Bridge.JWTSecret))
		log.Println("bridge tokens verified as HS256 JWTs")
	}
	if len(cfg.Bridge.AllowedOrigins) == 0 {
		log.Println("warning: BRIDGE_ALLOWED_ORIGINS is empty, host pages cannot relay tokens")
	}

	var transcriber voice.Transcriber
	if cfg.Voice.STTURL != "" {
		transcriber = voice.NewWhisperTranscriber(cfg.Voice.STTURL, cfg.Voice.STTAPIKey, cfg.Voice.STTModel)
		log.Println("Speech-to-text initialized successfully")
	} else {
		log.Println("语音转写未配置，跳过语音功能初始化")
	}

	router := handler.NewRouter(handler.Deps{
		Config:      cfg,
		Transport:   chatTransport,
		ChatSvc:     chatService,
		Senders:     senders,
		Registry:    bridge.NewRegistry(),
		Verifier:    verifier,
		Transcriber: transcriber,
		Tracker:     links.NewTracker(cfg.Telemetry.BeaconURL, nil),
	})

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("chat bridge listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
