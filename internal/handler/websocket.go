package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-battleship/internal/events"
	"github.com/koopa0/system-design/14-battleship/internal/matchmaker"
)

// 系統設計問題：
//   協定是非阻塞的，客戶端必須輪詢 incoming_ready、opponent_responded 等查詢。
//   如何讓客戶端不必盲目輪詢，就能在對手行動後立即得知？
//
// 設計方案：
//   ✅ WebSocket 只做通知，不承載遊戲操作（操作仍走 RPC，語義只有一套）
//   ✅ 每個連線訂閱事件匯流排中屬於自己的事件
//   ✅ Ping/Pong 心跳偵測死連線（54s/60s）

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	eventBuffer = 64
)

// Hub WebSocket 連線中心
//
// 連線映射：map[participantID]*Connection
// 同一參與者重新連線時關閉舊連線。
type Hub struct {
	bus        *events.Bus
	matchmaker *matchmaker.Matchmaker
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*Connection
}

// Connection 一條 WebSocket 連線
type Connection struct {
	ParticipantID string
	Conn          *websocket.Conn
	Send          chan []byte // 控制訊息（pong）

	hub       *Hub
	events    <-chan events.Event
	cancel    func()
	closeOnce sync.Once
	mu        sync.Mutex
	lastPing  time.Time
}

// NewHub 創建 WebSocket Hub
func NewHub(bus *events.Bus, mm *matchmaker.Matchmaker, logger *slog.Logger) *Hub {
	return &Hub{
		bus:        bus,
		matchmaker: mm,
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections: make(map[string]*Connection),
	}
}

// ServeWS 處理 WebSocket 連線
func (hub *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	participantID := r.URL.Query().Get("participant_id")
	if participantID == "" {
		http.Error(w, "缺少參與者 ID", http.StatusBadRequest)
		return
	}

	// 只接受已註冊的參與者
	if hub.matchmaker.RegistryOf(participantID) == matchmaker.RegistryNone {
		http.Error(w, "參與者未註冊", http.StatusNotFound)
		return
	}

	// 先訂閱再升級，握手完成後發生的事件不會遺漏
	ch, cancel := hub.bus.Subscribe(participantID, eventBuffer)

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		hub.logger.ErrorContext(r.Context(), "升級 WebSocket 失敗", "error", err)
		return
	}

	c := &Connection{
		ParticipantID: participantID,
		Conn:          conn,
		Send:          make(chan []byte, 8),
		hub:           hub,
		events:        ch,
		cancel:        cancel,
		lastPing:      time.Now(),
	}

	hub.register(c)

	go c.writePump()
	go c.readPump()

	hub.logger.InfoContext(r.Context(), "WebSocket 連線建立", "participant_id", participantID)
}

// register 註冊連線，關閉同一參與者的舊連線
func (hub *Hub) register(c *Connection) {
	hub.mu.Lock()
	old := hub.connections[c.ParticipantID]
	hub.connections[c.ParticipantID] = c
	hub.mu.Unlock()

	if old != nil {
		old.close()
	}
}

// unregister 取消註冊
func (hub *Hub) unregister(c *Connection) {
	hub.mu.Lock()
	if actual, ok := hub.connections[c.ParticipantID]; ok && actual == c {
		delete(hub.connections, c.ParticipantID)
	}
	hub.mu.Unlock()

	c.close()
}

// ConnectionCount 目前連線數
func (hub *Hub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.connections)
}

// Stop 關閉所有連線
func (hub *Hub) Stop() {
	hub.mu.Lock()
	conns := make([]*Connection, 0, len(hub.connections))
	for _, c := range hub.connections {
		conns = append(conns, c)
	}
	hub.connections = make(map[string]*Connection)
	hub.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	hub.logger.Info("WebSocket Hub 已停止", "connections", len(conns))
}

// close 取消事件訂閱；writePump 看到 channel 關閉後送出 close frame 並結束
func (c *Connection) close() {
	c.closeOnce.Do(c.cancel)
}

// readPump 讀取客戶端訊息並維持讀取期限
//
// 60 秒內沒有收到任何訊息（包括 Pong）即視為死連線。
func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.Conn.Close()
	}()

	if err := c.Conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.Conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"participant_id", c.ParticipantID)
			}
			return
		}

		if messageType == websocket.TextMessage {
			c.handleMessage(message)
		}
	}
}

// writePump 將事件與控制訊息寫到客戶端，並每 54 秒送出 Ping
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				// 訂閱已取消，優雅關閉
				deadline := time.Now().Add(time.Second)
				if err := c.Conn.SetWriteDeadline(deadline); err == nil {
					_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				return
			}

			message, err := json.Marshal(ev)
			if err != nil {
				c.hub.logger.Error("序列化事件失敗", "error", err)
				continue
			}
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}

		case message := <-c.Send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.Conn.WriteMessage(messageType, data)
}

// handleMessage 處理客戶端訊息
//
// 只支援應用層 ping，遊戲操作一律走 RPC。
func (c *Connection) handleMessage(message []byte) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		c.hub.logger.Debug("解析客戶端訊息失敗",
			"error", err,
			"participant_id", c.ParticipantID)
		return
	}

	switch msg.Type {
	case "ping":
		response, _ := json.Marshal(map[string]string{"type": "pong"})
		select {
		case c.Send <- response:
		default:
		}
	default:
		c.hub.logger.Debug("收到未知訊息類型",
			"type", msg.Type,
			"participant_id", c.ParticipantID)
	}
}
