// Package game 實現單一對局的回合狀態機
//
// 系統設計問題：
//
//	兩個遠端參與者沒有共同時鐘，如何確保誰都不能比對方先得到資訊？
//
// 設計方案：
//
//	✅ 三階段循環：射擊 → 揭曉來襲 → 揭曉出擊
//	✅ 雙方屏障：每個階段雙方都行動一次後才前進
//	✅ 每局一把鎖：不同對局互不干擾
//	✅ 非阻塞：操作立即成功或立即失敗，等待由呼叫端負責
package game

import "fmt"

// Coordinate 棋盤座標（列、行），以值比較
type Coordinate struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

func (c Coordinate) String() string {
	return fmt.Sprintf("(%d,%d)", c.Row, c.Col)
}

// Grid 棋盤尺寸
type Grid struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DefaultGrid 配對產生的對局使用的棋盤
var DefaultGrid = Grid{Width: 10, Height: 10}

// Contains 座標是否在棋盤內
func (g Grid) Contains(c Coordinate) bool {
	return c.Row >= 0 && c.Row < g.Height &&
		c.Col >= 0 && c.Col < g.Width
}
