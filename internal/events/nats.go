package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher 將領域事件發布到 NATS
//
// Subject 命名：{prefix}.{event_type}
// 範例：battleship.phase_changed
//
// 為什麼用 Core NATS 而非 JetStream？
//   - 事件只是通知，權威狀態在記憶體中的對局
//   - 持久化不在服務範圍內，Fire-and-forget 即可
//   - 下游若需要回放，可自行在 Stream 上訂閱這些 subject
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher 連接 NATS 並創建發布器
func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("battleship-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS 連線中斷", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS 已重新連線", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}

	return &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Publish 序列化並發布事件
func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失敗: %w", err)
	}

	if err := p.conn.Publish(Subject(p.prefix, event.Type), data); err != nil {
		return fmt.Errorf("發布事件失敗: %w", err)
	}
	return nil
}

// Close 送出緩衝中的訊息後關閉連線
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("NATS drain 失敗", "error", err)
		p.conn.Close()
	}
}

// Subject 事件對應的 NATS subject
func Subject(prefix string, typ Type) string {
	return fmt.Sprintf("%s.%s", prefix, typ)
}
