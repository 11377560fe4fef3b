// 對戰配對服務
//
// 啟動順序：設定 → 日誌 → 事件（NATS 可選）→ 配對器 → 限流（Redis 可選）→ HTTP
// 關閉順序相反，收到 SIGINT/SIGTERM 後在 shutdown_timeout 內完成。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/koopa0/system-design/14-battleship/internal/config"
	"github.com/koopa0/system-design/14-battleship/internal/events"
	"github.com/koopa0/system-design/14-battleship/internal/handler"
	"github.com/koopa0/system-design/14-battleship/internal/limiter"
	"github.com/koopa0/system-design/14-battleship/internal/matchmaker"
	"github.com/koopa0/system-design/14-battleship/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "設定檔路徑（YAML），可省略")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "載入設定失敗: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout, cfg.Log.AddSource)

	if err := run(cfg, log); err != nil {
		log.Error("服務器異常結束", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 事件發布
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NATS.Enabled {
		nc, err := events.NewNATSPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			return err
		}
		defer nc.Close()
		publisher = nc
		log.Info("已連線到 NATS", "url", cfg.NATS.URL, "subject_prefix", cfg.NATS.SubjectPrefix)
	}
	bus := events.NewBus(publisher, log)

	mm := matchmaker.New(matchmaker.Config{
		Grid:             cfg.Grid(),
		MatchIdleTimeout: cfg.Game.MatchIdleTimeout,
		CleanupInterval:  cfg.Game.CleanupInterval,
	}, bus, log)
	defer mm.Stop()

	hub := handler.NewHub(bus, mm, log)

	g, gctx := errgroup.WithContext(ctx)

	opts := []handler.Option{handler.WithHub(hub)}
	if cfg.RateLimit.Enabled {
		fn, closeFn := setupLimiter(gctx, g, cfg.RateLimit, log)
		defer closeFn()
		opts = append(opts, handler.WithLimiter(fn))
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler.New(mm, log, opts...).Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g.Go(func() error {
		log.Info("對戰服務器啟動",
			"addr", server.Addr,
			"grid", fmt.Sprintf("%dx%d", cfg.Game.GridWidth, cfg.Game.GridHeight),
			"match_idle_timeout", cfg.Game.MatchIdleTimeout)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP 服務失敗: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("收到關閉信號，開始優雅關閉...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// WebSocket 是被劫持的連線，Shutdown 不會等待它們
		hub.Stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("服務器關閉失敗: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("服務器已關閉")
	return nil
}

// setupLimiter 有 Redis 時使用分散式令牌桶，否則（或 Redis 無法連線時）使用單機版
func setupLimiter(ctx context.Context, g *errgroup.Group, cfg config.RateLimitConfig, log *slog.Logger) (limiter.Func, func()) {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			DB:           cfg.RedisDB,
			PoolSize:     20,
			MinIdleConns: 5,
			ReadTimeout:  100 * time.Millisecond,
			WriteTimeout: 100 * time.Millisecond,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		err := client.Ping(pingCtx).Err()
		if err == nil {
			log.Info("已連線到 Redis，使用分散式限流", "addr", cfg.RedisAddr)
			d := limiter.NewDistributedTokenBucket(client, "battleship:ratelimit", cfg.Capacity, cfg.RefillRate)
			return d.Allow, func() { _ = client.Close() }
		}

		log.Warn("Redis 連線失敗，改用單機限流", "addr", cfg.RedisAddr, "error", err)
		_ = client.Close()
	}

	local := limiter.NewKeyedTokenBucket(cfg.Capacity, cfg.RefillRate, 10*time.Minute)
	g.Go(func() error {
		return local.Run(ctx, time.Minute)
	})
	return local.Allow, func() {}
}
