// Package battleship 是一個雙人回合制海戰的配對與對局服務。
//
// 兩個互不認識的遠端客戶端透過非同步、不可靠的 RPC 通道進行遊戲，
// 服務端負責配對、投票、以及在沒有中央時鐘的情況下維持回合同步。
//
// # 對局狀態機
//
// 每場對局依序經過：
//
//	setup → awaiting_fire → awaiting_incoming → awaiting_outgoing → awaiting_fire ...
//
// 雙方都完成當前階段的動作後才前進（回合屏障），
// 任何一方都無法在對手承諾射擊之前得知結果。
//
// # 配對
//
// 參與者註冊後進入 idle 佇列，與等待最久的參與者組成提案；
// 雙方都接受後建立對局，之後所有遊戲呼叫依呼叫者身分轉發到該對局。
//
// # 使用範例
//
// 啟動服務器：
//
//	go run ./cmd/server -config config.yaml
//
// 以 Go 客戶端遊玩：
//
//	c := client.New("http://localhost:8080")
//	id, _ := c.Register(ctx, "", "Alice")
//	_ = c.WaitForOpponent(ctx, id)
//	_ = c.AcceptOpponent(ctx, id)
//	accepted, _ := c.WaitForResponse(ctx, id)
//	...
//	_ = c.Fire(ctx, id, client.Coordinate{Row: 3, Col: 4})
//	in, _ := c.WaitForIncoming(ctx, id)
//
// 推播通知（取代輪詢）：
//
//	ws://localhost:8080/ws?participant_id=<id>
//
// # 架構
//
//   - internal/game：棋盤、船隻、對局狀態機
//   - internal/matchmaker：註冊表、投票、轉發
//   - internal/events：事件匯流排與 NATS 發布
//   - internal/handler：HTTP RPC、WebSocket Hub
//   - internal/limiter：輪詢限流（本地或 Redis）
//   - internal/config：YAML + 環境變數設定
//   - pkg/client：Go 客戶端
//
// # 配置選項
//
// 設定檔欄位皆可用 BATTLESHIP_ 前綴的環境變數覆蓋，例如：
//   - BATTLESHIP_SERVER_PORT：服務監聽端口（預設 8080）
//   - BATTLESHIP_GAME_GRID_WIDTH / BATTLESHIP_GAME_GRID_HEIGHT：棋盤尺寸（預設 10x10）
//   - BATTLESHIP_GAME_MATCH_IDLE_TIMEOUT：閒置對局回收時間（預設 0，不回收）
//   - BATTLESHIP_NATS_ENABLED：發布事件到 NATS
//   - BATTLESHIP_RATELIMIT_REDIS_ADDR：使用 Redis 分散式限流
package battleship
