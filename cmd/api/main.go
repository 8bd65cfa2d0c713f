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

	"github.com/ad56740051/ZJ-SHUZIREN/internal/analysis/segment"
	"github.com/ad56740051/ZJ-SHUZIREN/internal/config"
	"github.com/ad56740051/ZJ-SHUZIREN/internal/handler"
	speechModel "github.com/ad56740051/ZJ-SHUZIREN/internal/model/speech"
	"github.com/ad56740051/ZJ-SHUZIREN/internal/renderer"
	"github.com/ad56740051/ZJ-SHUZIREN/internal/service/ai"
	"github.com/ad56740051/ZJ-SHUZIREN/internal/service/avatar"
	"github.com/ad56740051/ZJ-SHUZIREN/internal/service/dialogue"
	"github.com/ad56740051/ZJ-SHUZIREN/internal/service/live"
	"github.com/ad56740051/ZJ-SHUZIREN/internal/service/speech"
	"github.com/ad56740051/ZJ-SHUZIREN/internal/transport"
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

	// Initialize avatar session registry
	factory := renderer.NewFactory(cfg.Avatar.RendererEndpoint)
	pool := avatar.NewBuildPool(cfg.Avatar.BuildWorkers)
	registry := avatar.NewRegistry(cfg.Avatar.MaxSessions, factory, pool)
	defer registry.CloseAll()

	dialer := transport.NewWebRTCDialer(cfg.Avatar.StunServers)

	// Initialize AI service
	var aiService *ai.Service
	if cfg.AI.Enabled() {
		aiService, err = ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without AI functionality - 请检查 Ark 模型相关环境变量")
		} else {
			log.Println("AI service initialized successfully")
		}
	} else {
		log.Println("Ark 凭证未配置，跳过 AI 功能初始化")
	}

	driver := dialogue.NewDriver(segment.New())

	// Initialize Speech service
	var speechService *speech.Service
	if cfg.Speech.Enabled {
		speechConfig := &speechModel.SpeechConfig{
			AppID:       cfg.Speech.AppID,
			AccessToken: cfg.Speech.AccessToken,
			APIKey:      cfg.Speech.APIKey,
			AccessKey:   cfg.Speech.AccessKey,
			SecretKey:   cfg.Speech.SecretKey,
			Region:      cfg.Speech.Region,
			BaseURL:     cfg.Speech.BaseURL,
			TTSVoice:    cfg.Speech.TTSVoice,
			TTSSpeed:    cfg.Speech.TTSSpeed,
			TTSVolume:   cfg.Speech.TTSVolume,
			TTSLanguage: cfg.Speech.TTSLanguage,
			Timeout:     cfg.Speech.Timeout,
		}
		speechService = speech.NewService(speechConfig)
		log.Println("Speech service initialized successfully")
	} else {
		log.Println("语音服务凭证未配置，跳过语音功能初始化")
	}

	// Initialize live conversation upstream
	var upstreamFactory live.UpstreamFactory
	if cfg.Live.Enabled() {
		liveCfg := cfg.Live
		upstreamFactory = func(clientCfg live.ClientConfig) live.Upstream {
			return live.NewGeminiSession(liveCfg, clientCfg)
		}
		log.Println("Live conversation upstream configured")
	} else {
		log.Println("Gemini 凭证未配置，跳过实时对话功能初始化")
	}

	var tts live.Synthesizer
	if speechService != nil {
		tts = speechService
	}

	router := handler.NewRouter(registry, dialer, aiService, driver, upstreamFactory, tts, cfg.Speech.TTSVoice, cfg.Speech.TTSLanguage)

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

	log.Printf("avatar orchestrator listening on %s", addr)
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
