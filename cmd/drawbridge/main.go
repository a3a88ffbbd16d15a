package main

import (
	"log"
	"os"
	"path/filepath"

	"drawbridge/internal/appdirs"
	"drawbridge/internal/config"
	"drawbridge/internal/envfile"
	"drawbridge/internal/envutil"
	"drawbridge/internal/gateway"
	"drawbridge/internal/logging"
	"drawbridge/internal/openai"
	"drawbridge/internal/render"
	"drawbridge/internal/secrets"
	"drawbridge/internal/server"
	"drawbridge/internal/settings"
)

func main() {
	envResult := envfile.Load()
	debug := envutil.Bool("DRAWBRIDGE_DEBUG")
	dataDir, err := appdirs.DataDir()
	if err != nil {
		log.Fatalf("drawbridge init failed: %v", err)
	}

	logSetup, logErr := logging.NewFileLogger(dataDir, debug)
	logger := logSetup.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.With("component", "server")
	if logSetup.Enabled {
		logger.Info("server.logging_enabled", "path", logSetup.Path)
	}
	if envResult.Loaded {
		logger.Debug("server.env_loaded", "path", envResult.Path, "keys", envResult.Keys)
	}
	if envResult.Err != nil {
		logger.Warn("server.env_load_failed", "path", envResult.Path, "error", envResult.Err.Error())
	}
	if logErr != nil {
		logger.Warn("server.log_setup_failed", "error", logErr.Error())
	}
	if logSetup.Close != nil {
		defer logSetup.Close()
	}

	configPath := envutil.String("DRAWBRIDGE_CONFIG", filepath.Join(dataDir, "drawbridge.yaml"))
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("server.config_failed", "path", configPath, "error", err.Error())
		log.Fatalf("config load failed: %v", err)
	}
	if cfg.DataDir != "" {
		dataDir = cfg.DataDir
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		log.Fatalf("data dir: %v", err)
	}

	settingsStore := settings.NewStore(filepath.Join(dataDir, "settings.json"))
	secretsStore := secrets.NewStore(
		filepath.Join(dataDir, "secrets.json"),
		filepath.Join(dataDir, "secrets.key"),
	)

	stored, err := settingsStore.Load()
	if err != nil {
		logger.Error("server.settings_failed", "error", err.Error())
		log.Fatalf("settings load failed: %v", err)
	}
	rendererURL := cfg.RendererURL
	if stored.RendererURL != "" {
		rendererURL = stored.RendererURL
	}
	renderer, err := render.NewClient(rendererURL)
	if err != nil {
		logger.Error("server.renderer_failed", "url", rendererURL, "error", err.Error())
		log.Fatalf("renderer client failed: %v", err)
	}

	gw := gateway.New(func(baseURL string) (gateway.LLMClient, error) {
		return openai.NewClient(baseURL)
	}, logger)

	srv, err := server.New(server.Options{
		Config:      cfg,
		Settings:    settingsStore,
		Secrets:     secretsStore,
		Gateway:     gw,
		Renderer:    renderer,
		SessionsDir: appdirs.SessionsDir(dataDir),
		Logger:      logger,
	})
	if err != nil {
		logger.Error("server.init_failed", "error", err.Error())
		log.Fatalf("server init failed: %v", err)
	}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server.serve_error", "error", err.Error())
		log.Fatalf("server error: %v", err)
	}
}
