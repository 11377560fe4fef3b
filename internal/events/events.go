// Package events 對戰服務的領域事件
//
// 系統設計問題：
//
//	協定本身是非阻塞的輪詢，如何讓等待中的客戶端更早得知對手已行動？
//
// 設計方案：
//
//	✅ Bus：以參與者 ID 分流的行程內 fan-out（供 WebSocket 推播）
//	✅ Publisher：同一份事件發布到 NATS（供其他服務訂閱，如統計、回放）
//	✅ 非阻塞發送：訂閱者緩衝區滿時丟棄，事件只是提示，權威狀態仍在核心
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type 事件類型
type Type string

const (
	TypeParticipantRegistered Type = "participant_registered"
	TypeOpponentFound         Type = "opponent_found"
	TypeVoteResolved          Type = "vote_resolved"
	TypePhaseChanged          Type = "phase_changed"
	TypeMatchClosed           Type = "match_closed"
)

// Event 領域事件
type Event struct {
	Type         Type           `json:"event"`
	MatchID      string         `json:"match_id,omitempty"`
	Participants []string       `json:"participants"` // 事件收件人
	Data         map[string]any `json:"data,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// New 創建事件
func New(typ Type, matchID string, participants []string, data map[string]any) Event {
	return Event{
		Type:         typ,
		MatchID:      matchID,
		Participants: participants,
		Data:         data,
		Timestamp:    time.Now(),
	}
}

// Publisher 外部事件發布
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher 未啟用 NATS 時使用
type NopPublisher struct{}

// Publish 不做任何事
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Bus 事件匯流排
//
// 系統設計考量：
//   - 訂閱以參與者 ID 為鍵，同一參與者可有多個訂閱（多分頁、重連）
//   - Emit 絕不阻塞：核心操作不能因慢消費者而卡住
//   - Publisher 錯誤只記錄，不影響核心操作結果
type Bus struct {
	publisher Publisher
	logger    *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{} // participantID -> subscriptions
}

type subscription struct {
	ch   chan Event
	once sync.Once
}

// NewBus 創建事件匯流排
func NewBus(publisher Publisher, logger *slog.Logger) *Bus {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Bus{
		publisher: publisher,
		logger:    logger,
		subs:      make(map[string]map[*subscription]struct{}),
	}
}

// Subscribe 訂閱某參與者的事件，返回的 cancel 可重複呼叫
func (b *Bus) Subscribe(participantID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscription{ch: make(chan Event, buffer)}

	b.mu.Lock()
	if b.subs[participantID] == nil {
		b.subs[participantID] = make(map[*subscription]struct{})
	}
	b.subs[participantID][sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[participantID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, participantID)
			}
		}
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
	}

	return sub.ch, cancel
}

// Emit 分發事件給收件人並發布到外部
func (b *Bus) Emit(ctx context.Context, event Event) {
	b.mu.RLock()
	for _, id := range event.Participants {
		for sub := range b.subs[id] {
			select {
			case sub.ch <- event:
			default:
				b.logger.Warn("事件緩衝區滿，丟棄事件",
					"participant_id", id,
					"event", event.Type)
			}
		}
	}
	b.mu.RUnlock()

	if err := b.publisher.Publish(ctx, event); err != nil {
		b.logger.Error("發布事件失敗",
			"event", event.Type,
			"match_id", event.MatchID,
			"error", err)
	}
}

// Subscribers 某參與者的訂閱數（用於監控與測試）
func (b *Bus) Subscribers(participantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[participantID])
}
