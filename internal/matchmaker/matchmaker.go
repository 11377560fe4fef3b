// Package matchmaker 實現配對、投票與對局路由
//
// 系統設計問題：
//
//	匿名客戶端隨時上線，如何把他們兩兩配對、確認雙方同意，
//	並把之後的每一個遊戲呼叫送到正確的對局？
//
// 核心挑戰：
//  1. 註冊表不變式：一個參與者 ID 同一時間只能出現在 idle/proposed/rejected/active 其中之一
//  2. 投票原子性：「寫入投票」與「檢查是否雙方都投票」必須在同一個臨界區，
//     否則兩票同時到達時「雙方都接受」的分支可能執行兩次（建立兩個對局）
//  3. 對局隔離：遊戲呼叫只在查表時持有配對器的鎖，之後交給對局自己的鎖
package matchmaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-battleship/internal/events"
	"github.com/koopa0/system-design/14-battleship/internal/game"
	apperr "github.com/koopa0/system-design/14-battleship/pkg/errors"
)

// Registry 參與者所在的註冊表
type Registry string

const (
	RegistryNone     Registry = "none"
	RegistryIdle     Registry = "idle"     // 等待配對
	RegistryProposed Registry = "proposed" // 等待投票
	RegistryRejected Registry = "rejected" // 投票失敗（終態，可重新註冊）
	RegistryActive   Registry = "active"   // 已綁定對局
)

// Config 配對器設定
type Config struct {
	// Grid 配對產生的對局棋盤，客戶端無法指定
	Grid game.Grid
	// MatchIdleTimeout 對局無任何成功操作超過此時間即回收，0 表示停用
	MatchIdleTimeout time.Duration
	// CleanupInterval 回收掃描間隔
	CleanupInterval time.Duration
}

// DefaultConfig 預設設定
func DefaultConfig() Config {
	return Config{
		Grid:            game.DefaultGrid,
		CleanupInterval: time.Minute,
	}
}

// Matchmaker 配對器（Session Registry）
//
// 系統設計考量：
//
//  1. 並發控制：
//     四個註冊表由同一把 Mutex 保護，所有搬移都是原子的，
//     不變式「一個 ID 只在一個註冊表」因此不需要跨鎖協調。
//
//  2. 配對順序：FIFO
//     新註冊者與等待最久的 idle 參與者配對，idle 以切片保存順序。
//
//  3. 事件：
//     狀態變更在鎖內收集事件，釋放鎖之後才送到事件匯流排，
//     慢速訂閱者或 NATS 不會拉長臨界區。
type Matchmaker struct {
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger

	mu           sync.Mutex
	participants map[string]*game.Participant // 所有已知參與者
	idle         []*game.Participant          // 依註冊順序
	proposed     map[string]*Proposal         // participantID -> Proposal
	rejected     map[string]*Proposal         // participantID -> Proposal
	active       map[string]*game.Match       // participantID -> Match
	matches      map[string]*game.Match       // matchID -> Match

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New 創建配對器
func New(cfg Config, bus *events.Bus, logger *slog.Logger) *Matchmaker {
	if cfg.Grid.Width <= 0 || cfg.Grid.Height <= 0 {
		cfg.Grid = game.DefaultGrid
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if bus == nil {
		bus = events.NewBus(nil, logger)
	}

	mm := &Matchmaker{
		cfg:          cfg,
		bus:          bus,
		logger:       logger,
		participants: make(map[string]*game.Participant),
		proposed:     make(map[string]*Proposal),
		rejected:     make(map[string]*Proposal),
		active:       make(map[string]*game.Match),
		matches:      make(map[string]*game.Match),
		stopCh:       make(chan struct{}),
	}

	if cfg.MatchIdleTimeout > 0 {
		mm.wg.Add(1)
		go mm.cleanupLoop()
	}

	return mm
}

// Register 註冊參與者並嘗試配對
//
// id 為空時自動產生。已在 idle/proposed/active 的參與者重複註冊不做任何事；
// 在 rejected 或對局已被關閉的參與者會以全新的紀錄回到 idle 重新排隊。
func (mm *Matchmaker) Register(ctx context.Context, id, name string) (*game.Participant, error) {
	if id == "" {
		id = uuid.NewString()
	}
	var pending []events.Event

	mm.mu.Lock()
	p, known := mm.participants[id]
	if !known {
		if name == "" {
			mm.mu.Unlock()
			return nil, apperr.New(apperr.ErrCodeInvalidInput, "participant name is required")
		}
		p = game.NewParticipant(id, name)
		mm.participants[id] = p
	}

	switch mm.registryOf(id) {
	case RegistryIdle, RegistryProposed, RegistryActive:
		mm.mu.Unlock()
		return p, nil
	case RegistryRejected:
		delete(mm.rejected, id)
	}

	// 重新排隊的參與者換成新紀錄，上一場的艦隊與射擊紀錄不帶進新對局
	if known {
		p = game.NewParticipant(id, p.Name)
		mm.participants[id] = p
	}

	mm.idle = append(mm.idle, p)
	pending = append(pending, events.New(events.TypeParticipantRegistered, "", []string{id}, map[string]any{
		"name": p.Name,
	}))

	if opponent := mm.takeIdlePair(p); opponent != nil {
		proposal := newProposal(newID("proposal"), p, opponent)
		mm.proposed[p.ID] = proposal
		mm.proposed[opponent.ID] = proposal

		pending = append(pending,
			events.New(events.TypeOpponentFound, "", []string{p.ID}, map[string]any{
				"proposal_id":   proposal.ID,
				"opponent_name": opponent.Name,
			}),
			events.New(events.TypeOpponentFound, "", []string{opponent.ID}, map[string]any{
				"proposal_id":   proposal.ID,
				"opponent_name": p.Name,
			}),
		)

		mm.logger.InfoContext(ctx, "找到對手",
			"proposal_id", proposal.ID,
			"participant_id", p.ID,
			"opponent_id", opponent.ID)
	}
	mm.mu.Unlock()

	mm.logger.InfoContext(ctx, "參與者已註冊",
		"participant_id", id,
		"name", p.Name)

	mm.emit(ctx, pending...)
	return p, nil
}

// OpponentFound 是否有等待投票的提案
func (mm *Matchmaker) OpponentFound(id string) bool {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	_, ok := mm.proposed[id]
	return ok
}

// AcceptOpponent 接受提案
func (mm *Matchmaker) AcceptOpponent(ctx context.Context, id string) {
	mm.vote(ctx, id, true)
}

// RejectOpponent 拒絕提案
func (mm *Matchmaker) RejectOpponent(ctx context.Context, id string) {
	mm.vote(ctx, id, false)
}

// vote 記錄投票，雙方都投票後在同一臨界區內結算
//
// 結算規則：
//   - 雙方都接受 → 建立對局、Init、雙方移到 active
//   - 任一方拒絕 → 雙方移到 rejected，保留提案供查詢
//   - 兩種結果都會移除 proposed 中的條目
func (mm *Matchmaker) vote(ctx context.Context, id string, accept bool) {
	mm.mu.Lock()

	proposal, ok := mm.proposed[id]
	if !ok {
		mm.mu.Unlock()
		return
	}

	proposal.vote(id, accept)
	if !proposal.ready() {
		mm.mu.Unlock()
		mm.logger.DebugContext(ctx, "已投票，等待對手",
			"proposal_id", proposal.ID,
			"participant_id", id,
			"accept", accept)
		return
	}

	members := proposal.Members()
	for _, m := range members {
		delete(mm.proposed, m.ID)
	}

	var match *game.Match
	if proposal.acceptedByBoth() {
		match = game.NewMatch(newID("match"), mm.cfg.Grid)
		if err := match.Init(members[0], members[1]); err != nil {
			// 新建對局不可能已初始化，保險起見視為拒絕
			mm.logger.ErrorContext(ctx, "初始化對局失敗", "error", err)
			match = nil
		}
	}

	if match != nil {
		match.OnPhaseChange(mm.onPhaseChange)
		mm.matches[match.ID] = match
		for _, m := range members {
			mm.active[m.ID] = match
		}
	} else {
		for _, m := range members {
			mm.rejected[m.ID] = proposal
		}
	}
	mm.mu.Unlock()

	data := map[string]any{
		"proposal_id": proposal.ID,
		"accepted":    match != nil,
	}
	matchID := ""
	if match != nil {
		matchID = match.ID
		data["grid"] = match.Grid()
	}

	mm.logger.InfoContext(ctx, "投票已結算",
		"proposal_id", proposal.ID,
		"accepted", match != nil,
		"match_id", matchID)

	mm.emit(ctx, events.New(events.TypeVoteResolved, matchID, proposal.memberIDs(), data))
}

// OpponentResponded 查詢投票結果
//
// 返回 (ready, accepted)：
//   - (false, nil)：尚未結算
//   - (true, true)：已綁定對局
//   - (true, false)：提案被拒絕
func (mm *Matchmaker) OpponentResponded(id string) (bool, *bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	switch mm.registryOf(id) {
	case RegistryActive:
		accepted := true
		return true, &accepted
	case RegistryRejected:
		accepted := false
		return true, &accepted
	default:
		return false, nil
	}
}

// Deregister 參與者離開
//
// 依所在註冊表釋放資源：
//   - idle：移出排隊
//   - proposed：提案視為被拒絕，對手移到 rejected
//   - active：關閉對局，對手解除綁定（之後呼叫得到 NOT_BOUND）
//   - rejected：移除
//
// 未知 ID 不做任何事。
func (mm *Matchmaker) Deregister(ctx context.Context, id string) {
	var pending []events.Event

	mm.mu.Lock()
	if _, known := mm.participants[id]; !known {
		mm.mu.Unlock()
		return
	}

	registry := mm.registryOf(id)
	switch registry {
	case RegistryIdle:
		mm.removeIdle(id)

	case RegistryProposed:
		proposal := mm.proposed[id]
		proposal.vote(id, false)
		opponent := proposal.opponentOf(id)
		delete(mm.proposed, id)
		delete(mm.proposed, opponent.ID)
		mm.rejected[opponent.ID] = proposal

		pending = append(pending, events.New(events.TypeVoteResolved, "", []string{opponent.ID}, map[string]any{
			"proposal_id": proposal.ID,
			"accepted":    false,
			"reason":      "opponent_left",
		}))

	case RegistryActive:
		match := mm.active[id]
		pending = append(pending, mm.releaseMatch(match, "participant_left"))

	case RegistryRejected:
		delete(mm.rejected, id)
	}

	delete(mm.participants, id)
	mm.mu.Unlock()

	mm.logger.InfoContext(ctx, "參與者已離開",
		"participant_id", id,
		"registry", registry)

	mm.emit(ctx, pending...)
}

// AddShip 轉發到綁定的對局
func (mm *Matchmaker) AddShip(ctx context.Context, id string, ship game.Ship) error {
	match, p, err := mm.bound(id)
	if err != nil {
		return err
	}
	if err := match.AddShip(p, ship); err != nil {
		return err
	}

	mm.logger.DebugContext(ctx, "船隻已擺放",
		"match_id", match.ID,
		"participant_id", id,
		"ship_id", ship.ID)
	return nil
}

// GameReady 對局是否已開始
func (mm *Matchmaker) GameReady(id string) (bool, error) {
	match, _, err := mm.bound(id)
	if err != nil {
		return false, err
	}
	return match.Ready(), nil
}

// Fire 轉發射擊
func (mm *Matchmaker) Fire(ctx context.Context, id string, target game.Coordinate) error {
	match, p, err := mm.bound(id)
	if err != nil {
		return err
	}
	if err := match.Fire(p, target); err != nil {
		return err
	}

	mm.logger.DebugContext(ctx, "已射擊",
		"match_id", match.ID,
		"participant_id", id,
		"target", target.String())
	return nil
}

// IncomingReady 轉發查詢
func (mm *Matchmaker) IncomingReady(id string) (bool, error) {
	match, p, err := mm.bound(id)
	if err != nil {
		return false, err
	}
	return match.IncomingReady(p), nil
}

// Incoming 轉發揭曉來襲
func (mm *Matchmaker) Incoming(ctx context.Context, id string) (game.Disclosure, error) {
	match, p, err := mm.bound(id)
	if err != nil {
		return game.Disclosure{}, err
	}
	return match.Incoming(p)
}

// OutgoingReady 轉發查詢
func (mm *Matchmaker) OutgoingReady(id string) (bool, error) {
	match, p, err := mm.bound(id)
	if err != nil {
		return false, err
	}
	return match.OutgoingReady(p), nil
}

// Outgoing 轉發揭曉出擊
func (mm *Matchmaker) Outgoing(ctx context.Context, id string) (game.Disclosure, error) {
	match, p, err := mm.bound(id)
	if err != nil {
		return game.Disclosure{}, err
	}
	return match.Outgoing(p)
}

// MatchState 以參與者視角返回對局資訊
func (mm *Matchmaker) MatchState(id string) (game.Snapshot, error) {
	match, p, err := mm.bound(id)
	if err != nil {
		return game.Snapshot{}, err
	}
	return match.Snapshot(p)
}

// RegistryOf 查詢參與者所在的註冊表
func (mm *Matchmaker) RegistryOf(id string) Registry {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.registryOf(id)
}

// Cleanup 執行一次回收（公開方法供測試使用）
func (mm *Matchmaker) Cleanup() {
	mm.cleanup()
}

// Stop 停止配對器並關閉所有對局
func (mm *Matchmaker) Stop() {
	mm.stopOnce.Do(func() {
		close(mm.stopCh)
	})
	mm.wg.Wait()

	mm.mu.Lock()
	for _, match := range mm.matches {
		match.Close()
	}
	mm.mu.Unlock()

	mm.logger.Info("配對器已停止")
}

// Stats 統計資訊
func (mm *Matchmaker) Stats() map[string]any {
	mm.mu.Lock()
	matches := make([]*game.Match, 0, len(mm.matches))
	for _, m := range mm.matches {
		matches = append(matches, m)
	}
	stats := map[string]any{
		"participants":   len(mm.participants),
		"idle":           len(mm.idle),
		"proposed":       len(mm.proposed),
		"rejected":       len(mm.rejected),
		"active":         len(mm.active),
		"active_matches": len(matches),
	}
	mm.mu.Unlock()

	// 對局的鎖在配對器的鎖外取得
	byPhase := make(map[string]int)
	for _, m := range matches {
		byPhase[m.Phase().String()]++
	}
	stats["matches_by_phase"] = byPhase

	return stats
}

// bound 查詢參與者綁定的對局
func (mm *Matchmaker) bound(id string) (*game.Match, *game.Participant, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	match, ok := mm.active[id]
	if !ok {
		return nil, nil, apperr.New(apperr.ErrCodeNotBound, "participant has no active match").WithDetails(id)
	}
	return match, mm.participants[id], nil
}

// registryOf 需持有鎖
func (mm *Matchmaker) registryOf(id string) Registry {
	if _, ok := mm.active[id]; ok {
		return RegistryActive
	}
	if _, ok := mm.proposed[id]; ok {
		return RegistryProposed
	}
	if _, ok := mm.rejected[id]; ok {
		return RegistryRejected
	}
	for _, p := range mm.idle {
		if p.ID == id {
			return RegistryIdle
		}
	}
	return RegistryNone
}

// takeIdlePair 若有其他 idle 參與者，將 p 與等待最久者一起移出 idle（需持有鎖）
func (mm *Matchmaker) takeIdlePair(p *game.Participant) *game.Participant {
	for _, candidate := range mm.idle {
		if candidate.ID == p.ID {
			continue
		}
		mm.removeIdle(candidate.ID)
		mm.removeIdle(p.ID)
		return candidate
	}
	return nil
}

// removeIdle 需持有鎖
func (mm *Matchmaker) removeIdle(id string) {
	for i, p := range mm.idle {
		if p.ID == id {
			mm.idle = append(mm.idle[:i], mm.idle[i+1:]...)
			return
		}
	}
}

// releaseMatch 關閉對局並解除雙方綁定（需持有鎖）
func (mm *Matchmaker) releaseMatch(match *game.Match, reason string) events.Event {
	var ids []string
	for pid, m := range mm.active {
		if m == match {
			ids = append(ids, pid)
		}
	}
	for _, pid := range ids {
		delete(mm.active, pid)
	}
	delete(mm.matches, match.ID)
	match.Close()

	return events.New(events.TypeMatchClosed, match.ID, ids, map[string]any{
		"reason": reason,
	})
}

// onPhaseChange 對局階段前進時呼叫（在對局的鎖外）
func (mm *Matchmaker) onPhaseChange(pc game.PhaseChange) {
	mm.emit(context.Background(), events.New(events.TypePhaseChanged, pc.MatchID, pc.Participants[:], map[string]any{
		"phase":      pc.Phase,
		"phase_name": pc.Phase.String(),
		"round":      pc.Round,
	}))
}

func (mm *Matchmaker) emit(ctx context.Context, evs ...events.Event) {
	for _, ev := range evs {
		mm.bus.Emit(ctx, ev)
	}
}

// cleanupLoop 回收閒置對局
func (mm *Matchmaker) cleanupLoop() {
	defer mm.wg.Done()

	ticker := time.NewTicker(mm.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mm.cleanup()
		case <-mm.stopCh:
			return
		}
	}
}

// cleanup 釋放超過 MatchIdleTimeout 沒有任何成功操作的對局
func (mm *Matchmaker) cleanup() {
	if mm.cfg.MatchIdleTimeout <= 0 {
		return
	}

	mm.mu.Lock()
	candidates := make([]*game.Match, 0, len(mm.matches))
	for _, m := range mm.matches {
		candidates = append(candidates, m)
	}
	mm.mu.Unlock()

	var expired []*game.Match
	for _, m := range candidates {
		if time.Since(m.IdleSince()) > mm.cfg.MatchIdleTimeout {
			expired = append(expired, m)
		}
	}
	if len(expired) == 0 {
		return
	}

	var pending []events.Event
	mm.mu.Lock()
	for _, m := range expired {
		// 掃描期間可能已被其他人釋放
		if _, ok := mm.matches[m.ID]; !ok {
			continue
		}
		pending = append(pending, mm.releaseMatch(m, "idle_timeout"))
		mm.logger.Info("閒置對局已回收", "match_id", m.ID)
	}
	mm.mu.Unlock()

	mm.emit(context.Background(), pending...)
}

// newID 生成帶前綴的唯一 ID
func newID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}
