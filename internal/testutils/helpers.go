// Package testutils 測試輔助工具
package testutils

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-battleship/internal/events"
	"github.com/koopa0/system-design/14-battleship/internal/game"
	"github.com/koopa0/system-design/14-battleship/internal/handler"
	"github.com/koopa0/system-design/14-battleship/internal/matchmaker"
	"github.com/koopa0/system-design/14-battleship/pkg/logger"
)

// TestGrid 測試場景使用的 5x5 棋盤
var TestGrid = game.Grid{Width: 5, Height: 5}

// Server 完整組裝的測試服務器
type Server struct {
	*httptest.Server
	Bus        *events.Bus
	Matchmaker *matchmaker.Matchmaker
	Hub        *handler.Hub
}

// NewServer 啟動測試服務器，測試結束時自動關閉
func NewServer(t testing.TB, opts ...handler.Option) *Server {
	t.Helper()

	log := logger.Discard()
	bus := events.NewBus(nil, log)

	cfg := matchmaker.DefaultConfig()
	cfg.Grid = TestGrid
	mm := matchmaker.New(cfg, bus, log)
	hub := handler.NewHub(bus, mm, log)

	opts = append(opts, handler.WithHub(hub))
	srv := httptest.NewServer(handler.New(mm, log, opts...).Routes())

	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
		mm.Stop()
	})

	return &Server{
		Server:     srv,
		Bus:        bus,
		Matchmaker: mm,
		Hub:        hub,
	}
}

// WaitForCondition 等待條件滿足
func WaitForCondition(t testing.TB, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for condition: %s", message)
		case <-ticker.C:
		}
	}
}

// RunConcurrently 並發執行，所有 worker 同時開始
func RunConcurrently(t testing.TB, concurrency, iterations int, fn func(workerID, iteration int)) {
	t.Helper()

	var (
		start = make(chan struct{})
		wg    sync.WaitGroup
	)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			<-start
			for j := 0; j < iterations; j++ {
				fn(workerID, j)
			}
		}(i)
	}

	close(start)
	wg.Wait()
}
