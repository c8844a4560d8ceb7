package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Bridge    BridgeConfig
	Widget    WidgetConfig
	Voice     VoiceConfig
	Session   SessionConfig
	Telemetry TelemetryConfig
	AI        AIConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	transport, err := loadTransportConfig()
	if err != nil {
		return nil, err
	}

	voice, err := loadVoiceConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		Transport: transport,
		Bridge:    loadBridgeConfig(),
		Widget:    loadWidgetConfig(),
		Voice:     voice,
		Session:   session,
		Telemetry: TelemetryConfig{BeaconURL: getEnvOrDefault("TELEMETRY_BEACON_URL", "")},
		AI:        ai,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// Transport modes understood by the transport factory.
const (
	ModeREST     = "rest"
	ModeWS       = "ws"
	ModeSocketIO = "socketio"
	ModeLLM      = "llm"
)

// TransportConfig 描述对话后端的连接方式，启动后不再变化。
type TransportConfig struct {
	Mode      string
	APIBase   string
	BaseURL   string
	RESTURL   string
	WSURL     string
	HealthURL string
	SSOURL    string
	KeepAlive time.Duration
	Timeout   time.Duration
	Reconnect bool
	// Explicit 表示是否显式配置了对话后端或传输方式。
	Explicit  bool
}

func loadTransportConfig() (TransportConfig, error) {
	mode := strings.ToLower(getEnvOrDefault("VITE_CHAT_TRANSPORT", ModeREST))
	switch mode {
	case ModeREST, ModeWS, ModeSocketIO, ModeLLM:
	default:
		return TransportConfig{}, fmt.Errorf("invalid VITE_CHAT_TRANSPORT value: %q", mode)
	}

	apiBase := strings.TrimRight(getEnvOrDefault("VITE_API_BASE", ""), "/")
	base := strings.TrimRight(getEnvOrDefault("VITE_RASA_HTTP", "http://localhost:5005"), "/")

	restURL := getEnvOrDefault("VITE_CHAT_REST_URL", "")
	if restURL == "" {
		if apiBase != "" {
			restURL = apiBase + "/api/chat"
		} else {
			restURL = base + "/webhooks/rest/webhook"
		}
	}

	wsURL := getEnvOrDefault("VITE_RASA_WS_URL", getEnvOrDefault("VITE_RASA_WS", ""))
	if wsURL == "" {
		wsURL = base + "/ws"
	}

	keepAlive := 25
	if override, err := parseOptionalIntEnv("WS_KEEPALIVE_SECONDS"); err != nil {
		return TransportConfig{}, err
	} else if override != nil && *override > 0 {
		keepAlive = *override
	}

	timeout := 30
	if override, err := parseOptionalIntEnv("CHAT_TIMEOUT_SECONDS"); err != nil {
		return TransportConfig{}, err
	} else if override != nil && *override > 0 {
		timeout = *override
	}

	reconnect, err := parseBoolEnv("WS_RECONNECT", false)
	if err != nil {
		return TransportConfig{}, err
	}

	if _, err := url.Parse(restURL); err != nil {
		return TransportConfig{}, fmt.Errorf("invalid chat rest url %q: %w", restURL, err)
	}

	return TransportConfig{
		Mode:      mode,
		APIBase:   apiBase,
		BaseURL:   base,
		RESTURL:   restURL,
		WSURL:     wsURL,
		HealthURL: getEnvOrDefault("CHAT_HEALTH_URL", base+"/health"),
		SSOURL:    getEnvOrDefault("VITE_ZAJUNA_SSO_URL", ""),
		KeepAlive: time.Duration(keepAlive) * time.Second,
		Timeout:   time.Duration(timeout) * time.Second,
		Reconnect: reconnect,
		Explicit:  anyEnvSet("VITE_CHAT_TRANSPORT", "VITE_API_BASE", "VITE_RASA_HTTP", "VITE_CHAT_REST_URL", "VITE_RASA_WS_URL", "VITE_RASA_WS"),
	}, nil
}

// BridgeConfig 描述跨 frame 的令牌中继设置。
type BridgeConfig struct {
	AllowedOrigins []string
	JWTSecret      string
}

func loadBridgeConfig() BridgeConfig {
	return BridgeConfig{
		AllowedOrigins: parseListEnv("BRIDGE_ALLOWED_ORIGINS"),
		JWTSecret:      strings.TrimSpace(os.Getenv("BRIDGE_JWT_SECRET")),
	}
}

// WidgetConfig 描述嵌入组件的公开地址与默认外观。
type WidgetConfig struct {
	PublicURL string
	Avatar    string
	Title     string
}

func loadWidgetConfig() WidgetConfig {
	return WidgetConfig{
		PublicURL: strings.TrimRight(getEnvOrDefault("WIDGET_PUBLIC_URL", "http://localhost:8080"), "/"),
		Avatar:    getEnvOrDefault("WIDGET_AVATAR", "/static/avatar.svg"),
		Title:     getEnvOrDefault("WIDGET_TITLE", "Asistente"),
	}
}

// VoiceConfig 描述语音上传与转写后端。
type VoiceConfig struct {
	MaxBytes  int64
	STTURL    string
	STTAPIKey string
	STTModel  string
	STTMode   string
	Language  string
}

// DefaultVoiceMaxBytes is the 15 MiB ceiling applied to recordings.
const DefaultVoiceMaxBytes int64 = 15 * 1024 * 1024

func loadVoiceConfig() (VoiceConfig, error) {
	maxBytes := DefaultVoiceMaxBytes
	if override, err := parseOptionalIntEnv("VOICE_MAX_BYTES"); err != nil {
		return VoiceConfig{}, err
	} else if override != nil {
		if *override <= 0 {
			return VoiceConfig{}, fmt.Errorf("invalid VOICE_MAX_BYTES value %d", *override)
		}
		maxBytes = int64(*override)
	}

	return VoiceConfig{
		MaxBytes:  maxBytes,
		STTURL:    getEnvOrDefault("VOICE_STT_URL", ""),
		STTAPIKey: strings.TrimSpace(os.Getenv("VOICE_STT_API_KEY")),
		STTModel:  getEnvOrDefault("VOICE_STT_MODEL", "whisper-1"),
		STTMode:   getEnvOrDefault("VOICE_STT_MODE", "whisper"),
		Language:  getEnvOrDefault("VOICE_LANGUAGE", "es"),
	}, nil
}

// SessionConfig 描述访客会话的持久化方式。
type SessionConfig struct {
	RedisURL      string
	RedisPassword string
	TTL           time.Duration
}

func loadSessionConfig() (SessionConfig, error) {
	ttlMinutes := 60 * 24 * 30
	if override, err := parseOptionalIntEnv("SESSION_TTL_MINUTES"); err != nil {
		return SessionConfig{}, err
	} else if override != nil && *override > 0 {
		ttlMinutes = *override
	}

	return SessionConfig{
		RedisURL:      getEnvOrDefault("REDIS_URL", ""),
		RedisPassword: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		TTL:           time.Duration(ttlMinutes) * time.Minute,
	}, nil
}

// RedisAddr 返回 host:port；REDIS_URL 可以是 redis://host:port 或直接 host:port。
func (c SessionConfig) RedisAddr() string {
	raw := strings.TrimSpace(c.RedisURL)
	if !strings.Contains(raw, "://") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

// TelemetryConfig 描述链接点击信标的上报地址。
type TelemetryConfig struct {
	BeaconURL string
}

// AIConfig 描述大模型相关配置，仅在没有对话后端时作为兜底。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	MaxTokens   *int
	Persona     string
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: provide ARK_API_KEY + Model or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Persona:     getEnvOrDefault("AI_PERSONA", "Eres un tutor amable que ayuda a estudiantes en español."),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func anyEnvSet(keys ...string) bool {
	for _, key := range keys {
		if strings.TrimSpace(os.Getenv(key)) != "" {
			return true
		}
	}
	return false
}

// parseListEnv 解析逗号分隔的列表，忽略空项。
func parseListEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
