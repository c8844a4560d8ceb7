package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/config"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/handler/chat"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/handler/embed"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/handler/health"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/handler/voice"
	middlewarePkg "github.com/zhouzirui/z-tavern/chatbridge/internal/middleware"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/bridge"
	chatService "github.com/zhouzirui/z-tavern/chatbridge/internal/service/chat"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/links"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/render"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/sender"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/transport"
	voiceService "github.com/zhouzirui/z-tavern/chatbridge/internal/service/voice"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/widget"
)

// Deps 汇总路由需要的核心服务。
type Deps struct {
	Config      *config.Config
	Transport   transport.Transport
	ChatSvc     *chatService.Service
	Senders     *sender.Resolver
	Registry    *bridge.Registry
	Verifier    bridge.TokenVerifier
	Transcriber voiceService.Transcriber
	Tracker     *links.Tracker
}

// beaconPath is where instrumented links report clicks.
const beaconPath = "/api/links/click"

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	cfg := deps.Config
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(cfg.Bridge.AllowedOrigins))
	r.Use(middlewarePkg.Visitor(cfg.Session.TTL))

	renderer := render.New(beaconPath)

	embedHandler := embed.New(embed.Options{
		PublicURL: cfg.Widget.PublicURL,
		Loader: widget.LoaderDefaults{
			ChatURL: cfg.Widget.PublicURL + "/embed",
			Avatar:  cfg.Widget.Avatar,
			Title:   cfg.Widget.Title,
		},
		AllowedOrigins: cfg.Bridge.AllowedOrigins,
		Verifier:       deps.Verifier,
		Registry:       deps.Registry,
		Language:       cfg.Voice.Language,
		SSOURL:         cfg.Transport.SSOURL,
	})
	healthHandler := health.New(deps.Transport, deps.Registry, cfg.Transport.Mode, 8*time.Second)
	chatHandler := chat.New(deps.Transport, deps.ChatSvc, deps.Senders, deps.Registry, renderer, deps.Tracker)
	voiceHandler := voice.New(voice.Options{
		Transcriber: deps.Transcriber,
		MaxBytes:    cfg.Voice.MaxBytes,
		Language:    cfg.Voice.Language,
		STTMode:     cfg.Voice.STTMode,
		Transport:   deps.Transport,
		ChatSvc:     deps.ChatSvc,
		Senders:     deps.Senders,
		Renderer:    renderer,
		Auth:        deps.Registry,
	})

	embedHandler.RegisterRoutes(r)
	healthHandler.RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
		voiceHandler.RegisterRoutes(api)
		healthHandler.RegisterStreamRoutes(api)
	})

	return r
}
