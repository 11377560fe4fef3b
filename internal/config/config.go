// Package config 服務設定
//
// 載入順序：Default() → YAML 檔案 → 環境變數（BATTLESHIP_ 前綴）→ Validate()
// 後者覆蓋前者，容器部署時通常只需要環境變數。
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/koopa0/system-design/14-battleship/internal/game"
)

// EnvPrefix 環境變數前綴
const EnvPrefix = "BATTLESHIP_"

// Config 整個應用的配置
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Game      GameConfig      `yaml:"game" envPrefix:"GAME_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	NATS      NATSConfig      `yaml:"nats" envPrefix:"NATS_"`
	RateLimit RateLimitConfig `yaml:"ratelimit" envPrefix:"RATELIMIT_"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// GameConfig 對局設定
type GameConfig struct {
	GridWidth        int           `yaml:"grid_width" env:"GRID_WIDTH"`
	GridHeight       int           `yaml:"grid_height" env:"GRID_HEIGHT"`
	MatchIdleTimeout time.Duration `yaml:"match_idle_timeout" env:"MATCH_IDLE_TIMEOUT"` // 0 表示不回收
	CleanupInterval  time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
}

type LogConfig struct {
	Level     string `yaml:"level" env:"LEVEL"`
	Format    string `yaml:"format" env:"FORMAT"` // text 或 json
	AddSource bool   `yaml:"add_source" env:"ADD_SOURCE"`
}

// NATSConfig 事件發布，Enabled 為 false 時不連線
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled" env:"ENABLED"`
	URL           string `yaml:"url" env:"URL"`
	SubjectPrefix string `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
}

// RateLimitConfig RPC 限流
//
// RedisAddr 為空時使用單機令牌桶。
type RateLimitConfig struct {
	Enabled    bool    `yaml:"enabled" env:"ENABLED"`
	Capacity   int64   `yaml:"capacity" env:"CAPACITY"`
	RefillRate float64 `yaml:"refill_rate" env:"REFILL_RATE"`
	RedisAddr  string  `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisDB    int     `yaml:"redis_db" env:"REDIS_DB"`
}

// Default 預設設定
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Game: GameConfig{
			GridWidth:       game.DefaultGrid.Width,
			GridHeight:      game.DefaultGrid.Height,
			CleanupInterval: time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "battleship",
		},
		RateLimit: RateLimitConfig{
			Enabled:    true,
			Capacity:   20,
			RefillRate: 10,
		},
	}
}

// Load 載入設定
//
// path 為空時只套用預設值與環境變數。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("讀取設定檔失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析設定檔失敗: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("解析環境變數失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查設定，返回所有問題
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port 無效: %d", c.Server.Port))
	}
	if c.Game.GridWidth <= 0 || c.Game.GridHeight <= 0 {
		errs = append(errs, fmt.Errorf("game 棋盤尺寸無效: %dx%d", c.Game.GridWidth, c.Game.GridHeight))
	}
	if c.Game.MatchIdleTimeout < 0 {
		errs = append(errs, errors.New("game.match_idle_timeout 不可為負數"))
	}
	if c.Game.MatchIdleTimeout > 0 && c.Game.CleanupInterval <= 0 {
		errs = append(errs, errors.New("啟用閒置回收時 game.cleanup_interval 必須大於 0"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format 無效: %q", c.Log.Format))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("啟用 NATS 時 nats.url 不可為空"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.Capacity <= 0 || c.RateLimit.RefillRate <= 0) {
		errs = append(errs, errors.New("啟用限流時 capacity 與 refill_rate 必須大於 0"))
	}

	return errors.Join(errs...)
}

// Grid 設定的棋盤尺寸
func (c *Config) Grid() game.Grid {
	return game.Grid{Width: c.Game.GridWidth, Height: c.Game.GridHeight}
}

// Addr HTTP 監聽位址
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
