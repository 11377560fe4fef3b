package game

// Participant 對局的一方
//
// 艦隊、射擊紀錄與 ready 旗標只在所屬對局的鎖內讀寫；
// 一個參與者同一時間只會綁定一個對局。
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	ships []Ship
	fired []Coordinate // 只增不減
	ready bool         // 回合屏障訊號，不屬於公開狀態
}

// NewParticipant 創建參與者
func NewParticipant(id, name string) *Participant {
	return &Participant{ID: id, Name: name}
}

func (p *Participant) hasFiredAt(c Coordinate) bool {
	for _, f := range p.fired {
		if f == c {
			return true
		}
	}
	return false
}

func (p *Participant) lastShot() (Coordinate, bool) {
	if len(p.fired) == 0 {
		return Coordinate{}, false
	}
	return p.fired[len(p.fired)-1], true
}

// hasShip 船隻 ID 在艦隊內唯一
func (p *Participant) hasShip(id string) bool {
	for _, s := range p.ships {
		if s.ID == id {
			return true
		}
	}
	return false
}

// shipAt 返回佔據該座標的船隻
func (p *Participant) shipAt(c Coordinate) (Ship, bool) {
	for _, s := range p.ships {
		if s.Occupies(c) {
			return s, true
		}
	}
	return Ship{}, false
}
