package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-tavern/chatbridge/internal/config"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/transport"
	"github.com/zhouzirui/z-tavern/chatbridge/internal/service/voice"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	mode := flag.String("mode", "", "测试模式: health, send, ws, listen 或 voice")
	text := flag.String("text", "", "send 模式发送的文本")
	sender := flag.String("sender", "", "sender id，留空则自动生成")
	token := flag.String("token", "", "可选的 Bearer 令牌")
	audioPath := flag.String("audio", "", "voice 模式上传的音频文件路径")
	server := flag.String("server", cfg.Widget.PublicURL, "voice 模式使用的 chat bridge 地址")
	timeout := flag.Duration("timeout", 45*time.Second, "请求超时时间")

	flag.Parse()

	senderID := *sender
	if senderID == "" {
		senderID = fmt.Sprintf("manual-%d", time.Now().UnixNano())
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := &http.Client{Timeout: *timeout}

	switch *mode {
	case "health":
		runHealth(ctx, cfg, client)
	case "send":
		runSend(ctx, cfg, client, senderID, *text, *token)
	case "ws":
		runWS(ctx, cfg, *token)
	case "listen":
		runListen(ctx, cfg, senderID, *text, *token)
	case "voice":
		runVoice(ctx, client, *server, *audioPath, senderID, cfg.Voice.Language)
	default:
		flag.Usage()
		log.Fatal("请通过 -mode=health|send|ws|listen|voice 指定测试模式")
	}
}

func runHealth(ctx context.Context, cfg *config.Config, client *http.Client) {
	path, err := transport.ProbeHost(ctx, client, cfg.Transport.BaseURL)
	if err != nil {
		log.Fatalf("[health] %s 不可达: %v", cfg.Transport.BaseURL, err)
	}
	log.Printf("[health] %s 可达 (path=%s)", cfg.Transport.BaseURL, path)
}

func runSend(ctx context.Context, cfg *config.Config, client *http.Client, senderID, text, token string) {
	if strings.TrimSpace(text) == "" {
		log.Fatal("send 模式需要 -text")
	}

	tr, err := transport.New(cfg.Transport, transport.Deps{HTTPClient: client, PageURL: cfg.Widget.PublicURL})
	if err != nil {
		log.Fatalf("[send] 初始化失败: %v", err)
	}

	started := time.Now()
	replies, err := tr.Send(ctx, chat.SendRequest{Text: text, Sender: senderID, Token: token})
	if err != nil {
		log.Fatalf("[send] 失败: %v", err)
	}

	log.Printf("[send] 收到 %d 条回复，用时 %s", len(replies), time.Since(started).Round(time.Millisecond))
	for i, reply := range replies {
		fmt.Printf("%d. %s\n", i+1, reply.Text)
		for _, button := range reply.Buttons {
			fmt.Printf("   [%s] -> %s\n", button.Title, button.Payload)
		}
		if reply.Image != "" {
			fmt.Printf("   image: %s\n", reply.Image)
		}
	}
}

func runWS(ctx context.Context, cfg *config.Config, token string) {
	err := transport.Probe(ctx, transport.ProbeOptions{
		WSURL:   cfg.Transport.WSURL,
		PageURL: cfg.Widget.PublicURL,
		Token:   token,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		log.Fatalf("[ws] %s 探测失败: %v", cfg.Transport.WSURL, err)
	}
	log.Printf("[ws] %s 连接成功", cfg.Transport.WSURL)
}

// runListen 保持长连接直到超时，打印收到的每一帧。
func runListen(ctx context.Context, cfg *config.Config, senderID, text, token string) {
	var policy transport.ReconnectPolicy
	if cfg.Transport.Reconnect {
		policy = transport.ReconnectPolicy{MaxAttempts: 5}
	}

	client, err := transport.Dial(ctx, transport.ClientOptions{
		WSURL:     cfg.Transport.WSURL,
		PageURL:   cfg.Widget.PublicURL,
		Token:     token,
		KeepAlive: cfg.Transport.KeepAlive,
		Reconnect: policy,
		OnMessage: func(data []byte) {
			fmt.Printf("<- %s\n", data)
		},
		OnState: func(state transport.State) {
			log.Printf("[listen] state=%s", state)
		},
	})
	if err != nil {
		log.Fatalf("[listen] 连接失败: %v", err)
	}
	defer client.Close()

	if strings.TrimSpace(text) != "" {
		if err := client.SendJSON(map[string]any{"type": "message", "text": text, "sender": senderID}); err != nil {
			log.Printf("[listen] 发送失败: %v", err)
		}
	}

	<-ctx.Done()
	log.Printf("[listen] 结束，最终状态=%s", client.State())
}

// fileMicrophone 把音频文件当作麦克风输入，走完整的录音与上传流程。
type fileMicrophone struct {
	path string
}

type fileStream struct {
	*os.File
	mimeType string
}

func (s fileStream) MimeType() string { return s.mimeType }

func (m fileMicrophone) Open(context.Context) (voice.Stream, error) {
	f, err := os.Open(m.path)
	if err != nil {
		return nil, err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(m.path))
	if mimeType == "" {
		mimeType = "audio/webm"
	}
	return fileStream{File: f, mimeType: mimeType}, nil
}

func runVoice(ctx context.Context, client *http.Client, server, audioPath, senderID, lang string) {
	if audioPath == "" {
		log.Fatal("voice 模式需要 -audio")
	}

	recorder := voice.NewRecorder(fileMicrophone{path: audioPath})
	defer recorder.Close()

	if err := recorder.Start(ctx); err != nil {
		log.Fatalf("[voice] 无法开始录音: %v", err)
	}
	// 等待文件被读完。
	time.Sleep(200 * time.Millisecond)
	rec, err := recorder.Stop()
	if err != nil {
		log.Fatalf("[voice] 录音失败: %v", err)
	}
	log.Printf("[voice] 录音 %d 字节 mime=%s", rec.SizeBytes, rec.MimeType)

	uploader := voice.NewUploader(strings.TrimRight(server, "/")+voice.DefaultUploadPath, client)
	result, err := recorder.Upload(ctx, uploader, rec, voice.UploadOptions{Sender: senderID, Lang: lang})
	if err != nil {
		log.Fatalf("[voice] 上传失败 (state=%s): %v", recorder.State(), err)
	}

	log.Printf("[voice] 转写成功 id=%s duration=%dms", result.ID, result.DurationMS)
	fmt.Println(result.Transcript)
}
