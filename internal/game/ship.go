package game

import "slices"

// Ship 船隻
//
// 座標的共線與連續由客戶端保證，核心只檢查邊界與碰撞。
type Ship struct {
	ID          string       `json:"id"`
	Coordinates []Coordinate `json:"coordinates"`
}

// NewShip 創建船隻，複製座標避免與呼叫端共用底層陣列
func NewShip(id string, coords ...Coordinate) Ship {
	return Ship{ID: id, Coordinates: slices.Clone(coords)}
}

// Occupies 船隻是否佔據該座標
func (s Ship) Occupies(c Coordinate) bool {
	return slices.Contains(s.Coordinates, c)
}

// Collides 是否與艦隊中任一船隻重疊
func (s Ship) Collides(fleet []Ship) bool {
	for _, other := range fleet {
		for _, c := range other.Coordinates {
			if s.Occupies(c) {
				return true
			}
		}
	}
	return false
}

// IsSunk hits 必須是射擊方的完整射擊紀錄，而非最後一發
//
// 沒有座標的船隻視為已沉沒。
func (s Ship) IsSunk(hits []Coordinate) bool {
	for _, c := range s.Coordinates {
		if !slices.Contains(hits, c) {
			return false
		}
	}
	return true
}

func (s Ship) clone() Ship {
	return Ship{ID: s.ID, Coordinates: slices.Clone(s.Coordinates)}
}
