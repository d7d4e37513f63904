// Command gateway is the composition root: it reads configuration, builds
// the Credential Pool, Usage Accountant, optional Redis mirror, Inbound
// Limiter, and Request Pipeline, and serves the gateway's HTTP routes.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/taipm/gemini-openai-gateway/gateway"
)

const backgroundRefreshInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: no .env file loaded: %v", err)
	}

	cfg, err := gateway.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := gateway.NewSlogLogger(slog.Default())

	pool := gateway.NewPool(cfg.CredentialCount, cfg.RefreshURL, logger)
	pool.CooldownFloorSec = cfg.CooldownFloorSec

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.StartBackgroundRefresh(ctx, backgroundRefreshInterval)
	defer pool.Stop()

	accountant := gateway.NewAccountant()

	var mirror *gateway.RedisUsageMirror
	if cfg.RedisAddr != "" {
		mirror = gateway.NewRedisUsageMirror(cfg.RedisAddr, accountant, pool, logger)
		go mirror.Run(ctx)
		defer mirror.Close()
	}

	limiter := gateway.NewInboundLimiter(cfg.InboundRPS, int(cfg.InboundRPS)+1)

	pipeline := gateway.NewPipeline(pool, accountant, limiter, cfg.UpstreamBaseURL, logger)
	server := gateway.NewServer(pipeline, pool, accountant, logger)

	httpServer := &http.Server{
		Addr:    formatAddr(cfg.Port),
		Handler: server.Mux(),
	}

	go func() {
		logger.Info(ctx, "gateway listening", gateway.F("port", cfg.Port), gateway.F("upstream", cfg.UpstreamBaseURL))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func formatAddr(port int) string {
	return ":" + strconv.Itoa(port)
}
