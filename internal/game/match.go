package game

import (
	"sync"
	"time"

	apperr "github.com/koopa0/system-design/14-battleship/pkg/errors"
)

// Phase 對局階段
//
// 有限狀態機設計：
//
//	setup → awaiting_fire → awaiting_incoming → awaiting_outgoing
//	           ↑_____________________________________↓
//
// 狀態轉換規則：
//   - setup → awaiting_fire：Init 綁定雙方（只發生一次）
//   - 其餘轉換：雙方都完成當前階段的動作後，(phase + 1) mod 3
//
// 為什麼需要三個階段？
//   - 射擊：雙方先各自承諾目標
//   - 揭曉來襲：得知自己被打到哪裡
//   - 揭曉出擊：得知自己打中什麼
//   - 任何一方都無法在對方承諾之前得到資訊
type Phase int

const (
	PhaseSetup            Phase = -1 // 擺放船隻，尚未綁定雙方
	PhaseAwaitingFire     Phase = 0  // 等待雙方射擊
	PhaseAwaitingIncoming Phase = 1  // 等待雙方查詢來襲結果
	PhaseAwaitingOutgoing Phase = 2  // 等待雙方查詢出擊結果
)

func (p Phase) String() string {
	switch p {
	case PhaseSetup:
		return "setup"
	case PhaseAwaitingFire:
		return "awaiting_fire"
	case PhaseAwaitingIncoming:
		return "awaiting_incoming"
	case PhaseAwaitingOutgoing:
		return "awaiting_outgoing"
	default:
		return "unknown"
	}
}

// Disclosure 一發射擊的揭曉結果
type Disclosure struct {
	Coordinate Coordinate `json:"coordinate"`
	Ship       *Ship      `json:"ship,omitempty"` // nil 代表未命中
	Sunk       bool       `json:"sunk"`
}

// ShipID 命中船隻的 ID，未命中返回空字串
func (d Disclosure) ShipID() string {
	if d.Ship == nil {
		return ""
	}
	return d.Ship.ID
}

// PhaseChange 階段前進通知
type PhaseChange struct {
	MatchID      string    `json:"match_id"`
	Phase        Phase     `json:"phase"`
	Round        int       `json:"round"`
	Participants [2]string `json:"participants"`
}

// Snapshot 對局診斷資訊（不包含對手船隻位置）
type Snapshot struct {
	MatchID       string `json:"match_id"`
	Phase         Phase  `json:"phase"`
	PhaseName     string `json:"phase_name"`
	Round         int    `json:"round"`
	Grid          Grid   `json:"grid"`
	Ready         bool   `json:"ready"`
	OpponentName  string `json:"opponent_name,omitempty"`
	OwnShips      int    `json:"own_ships"`
	OpponentShips int    `json:"opponent_ships"`
	ShotsFired    int    `json:"shots_fired"`
	ShotsReceived int    `json:"shots_received"`
}

// Match 一場對局
//
// 系統設計考量：
//
//  1. 並發控制（Mutex）：
//     問題：兩個遠端客戶端不協調地同時呼叫 Fire/Incoming/Outgoing
//     方案：每個對局一把 sync.Mutex，所有狀態讀寫都在鎖內
//     優勢：不同對局完全獨立，不互相阻塞
//
//  2. 回合屏障（ready 旗標）：
//     每次產生 ready 的呼叫後檢查雙方是否都 ready，
//     是則在同一步驟前進階段並清除雙方旗標。
//     單方再怎麼重複呼叫都不會讓階段前進。
//
//  3. 階段通知：
//     前進時在鎖外呼叫 OnPhaseChange 註冊的回呼，
//     Matchmaker 藉此把 phase_changed 事件送上 events.Bus，
//     WebSocket hub 與 NATS 都由 Bus 推送。
type Match struct {
	ID   string
	grid Grid

	mu         sync.Mutex
	p1, p2     *Participant
	phase      Phase
	round      int
	closed     bool
	createdAt  time.Time
	lastActive time.Time
	listener   func(PhaseChange)
}

// NewMatch 創建對局，處於 setup 階段
func NewMatch(id string, grid Grid) *Match {
	now := time.Now()
	return &Match{
		ID:         id,
		grid:       grid,
		phase:      PhaseSetup,
		createdAt:  now,
		lastActive: now,
	}
}

// OnPhaseChange 註冊階段前進的回呼，必須在對局公開給其他 goroutine 前設定
//
// 回呼在鎖外執行。
func (m *Match) OnPhaseChange(fn func(PhaseChange)) {
	m.listener = fn
}

// Grid 棋盤尺寸
func (m *Match) Grid() Grid {
	return m.grid
}

// AddShip 擺放船隻，任何階段皆可
func (m *Match) AddShip(p *Participant, ship Ship) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return apperr.New(apperr.ErrCodeNotBound, "match closed")
	}
	if p == nil || (m.bound() && !m.isMember(p)) {
		return apperr.ErrNotBound.WithDetails(participantID(p))
	}

	if p.hasShip(ship.ID) {
		return apperr.Newf(apperr.ErrCodeInvalidInput, "ship %s already placed", ship.ID)
	}

	for _, c := range ship.Coordinates {
		if !m.grid.Contains(c) {
			return apperr.Newf(apperr.ErrCodeOutsideGrid, "ship %s has point %s outside the grid", ship.ID, c)
		}
	}

	if ship.Collides(p.ships) {
		return apperr.Newf(apperr.ErrCodeShipCollision, "ship %s collides with another ship on the grid", ship.ID)
	}

	p.ships = append(p.ships, ship.clone())
	m.touch()
	return nil
}

// Init 綁定雙方，只能執行一次
func (m *Match) Init(p1, p2 *Participant) error {
	var ev *PhaseChange
	err := func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.bound() {
			return apperr.New(apperr.ErrCodeAlreadyInitialized, "match already initialized")
		}
		if p1 == nil || p2 == nil || p1 == p2 {
			return apperr.New(apperr.ErrCodeInvalidInput, "a match needs two distinct participants")
		}

		m.p1, m.p2 = p1, p2
		m.p1.ready, m.p2.ready = false, false
		m.round = 1
		ev = m.setPhase(PhaseAwaitingFire)
		return nil
	}()
	m.emit(ev)
	return err
}

// Ready 雙方已綁定且離開 setup 階段
func (m *Match) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bound() && m.phase != PhaseSetup
}

// Fire 射擊
//
// 失敗條件（依序檢查）：
//   - 不在射擊階段，或本回合已射擊：OUT_OF_TURN
//   - 座標超出棋盤：OUTSIDE_GRID
//   - 已射擊過該座標：REPEAT_FIRE
func (m *Match) Fire(p *Participant, c Coordinate) error {
	var ev *PhaseChange
	err := func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if err := m.checkPlayable(p); err != nil {
			return err
		}
		if m.phase != PhaseAwaitingFire {
			return apperr.New(apperr.ErrCodeOutOfTurn, "you can't fire yet")
		}
		if p.ready {
			return apperr.New(apperr.ErrCodeOutOfTurn, "you can't fire twice per round")
		}
		if !m.grid.Contains(c) {
			return apperr.Newf(apperr.ErrCodeOutsideGrid, "firing coordinate %s is outside the grid", c)
		}
		if p.hasFiredAt(c) {
			return apperr.Newf(apperr.ErrCodeRepeatFire, "already fired at %s", c)
		}

		p.fired = append(p.fired, c)
		ev = m.markReady(p)
		return nil
	}()
	m.emit(ev)
	return err
}

// IncomingReady 雙方都已射擊
func (m *Match) IncomingReady(p *Participant) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == PhaseAwaitingIncoming
}

// Incoming 揭曉對手最後一發打在自己艦隊的結果
//
// 沉沒判定使用對手完整的射擊紀錄。
func (m *Match) Incoming(p *Participant) (Disclosure, error) {
	var (
		ev  *PhaseChange
		out Disclosure
	)
	err := func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if err := m.checkPlayable(p); err != nil {
			return err
		}
		if m.phase != PhaseAwaitingIncoming {
			return apperr.New(apperr.ErrCodeOutOfTurn, "both participants have not yet fired")
		}
		if p.ready {
			return apperr.New(apperr.ErrCodeOutOfTurn, "incoming fire already disclosed this round")
		}

		out = m.disclose(m.other(p), p)
		ev = m.markReady(p)
		return nil
	}()
	m.emit(ev)
	return out, err
}

// OutgoingReady 雙方都已查詢來襲結果
func (m *Match) OutgoingReady(p *Participant) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == PhaseAwaitingOutgoing
}

// Outgoing 揭曉自己最後一發打在對手艦隊的結果
func (m *Match) Outgoing(p *Participant) (Disclosure, error) {
	var (
		ev  *PhaseChange
		out Disclosure
	)
	err := func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if err := m.checkPlayable(p); err != nil {
			return err
		}
		if m.phase != PhaseAwaitingOutgoing {
			return apperr.New(apperr.ErrCodeOutOfTurn, "both participants have not yet called incoming")
		}
		if p.ready {
			return apperr.New(apperr.ErrCodeOutOfTurn, "outgoing fire already disclosed this round")
		}

		out = m.disclose(p, m.other(p))
		ev = m.markReady(p)
		return nil
	}()
	m.emit(ev)
	return out, err
}

// Other 返回對手，p 不屬於此對局時返回 nil
func (m *Match) Other(p *Participant) *Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.other(p)
}

// Phase 當前階段
func (m *Match) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Close 關閉對局，之後的操作一律得到 NOT_BOUND
func (m *Match) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// Closed 對局是否已關閉
func (m *Match) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// IdleSince 最後一次成功操作的時間
func (m *Match) IdleSince() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActive
}

// Snapshot 以 p 的視角返回對局資訊
func (m *Match) Snapshot(p *Participant) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isMember(p) {
		return Snapshot{}, apperr.ErrNotBound.WithDetails(participantID(p))
	}

	s := Snapshot{
		MatchID:    m.ID,
		Phase:      m.phase,
		PhaseName:  m.phase.String(),
		Round:      m.round,
		Grid:       m.grid,
		Ready:      p.ready,
		OwnShips:   len(p.ships),
		ShotsFired: len(p.fired),
	}
	if opp := m.other(p); opp != nil {
		s.OpponentName = opp.Name
		s.OpponentShips = len(opp.ships)
		s.ShotsReceived = len(opp.fired)
	}
	return s, nil
}

// bound 雙方是否都已綁定（需持有鎖）
func (m *Match) bound() bool {
	return m.p1 != nil && m.p2 != nil
}

// isMember setup 階段尚未綁定時，任何參與者都可擺放船隻（需持有鎖）
func (m *Match) isMember(p *Participant) bool {
	if p == nil {
		return false
	}
	if !m.bound() {
		return true
	}
	return p == m.p1 || p == m.p2
}

// checkPlayable 需持有鎖
func (m *Match) checkPlayable(p *Participant) error {
	if m.closed {
		return apperr.New(apperr.ErrCodeNotBound, "match closed")
	}
	if !m.isMember(p) {
		return apperr.ErrNotBound.WithDetails(participantID(p))
	}
	return nil
}

func participantID(p *Participant) string {
	if p == nil {
		return ""
	}
	return p.ID
}

// other 需持有鎖
func (m *Match) other(p *Participant) *Participant {
	switch {
	case p == nil:
		return nil
	case p == m.p1:
		return m.p2
	case p == m.p2:
		return m.p1
	default:
		return nil
	}
}

// disclose 計算 firing 最後一發對 target 艦隊的結果（需持有鎖）
func (m *Match) disclose(firing, target *Participant) Disclosure {
	shot, ok := firing.lastShot()
	if !ok {
		return Disclosure{}
	}

	out := Disclosure{Coordinate: shot}
	if ship, hit := target.shipAt(shot); hit {
		cp := ship.clone()
		out.Ship = &cp
		out.Sunk = ship.IsSunk(firing.fired)
	}
	return out
}

// markReady 標記 ready 並檢查屏障（需持有鎖）
//
// 雙方都 ready 時，在同一步驟前進階段並清除雙方旗標。
// 這是 Init 之外唯一改變階段的地方。
func (m *Match) markReady(p *Participant) *PhaseChange {
	p.ready = true
	m.touch()

	if !m.p1.ready || !m.p2.ready {
		return nil
	}

	m.p1.ready, m.p2.ready = false, false
	next := Phase((int(m.phase) + 1) % 3)
	if next == PhaseAwaitingFire {
		m.round++
	}
	return m.setPhase(next)
}

// setPhase 需持有鎖
func (m *Match) setPhase(next Phase) *PhaseChange {
	m.phase = next
	m.touch()

	return &PhaseChange{
		MatchID:      m.ID,
		Phase:        next,
		Round:        m.round,
		Participants: [2]string{m.p1.ID, m.p2.ID},
	}
}

func (m *Match) touch() {
	m.lastActive = time.Now()
}

// emit 在鎖外呼叫回呼
func (m *Match) emit(ev *PhaseChange) {
	if ev == nil || m.listener == nil {
		return
	}
	m.listener(*ev)
}
