// Package client 對戰服務的 Go 客戶端
//
// 每個 RPC 方法對應一個型別化呼叫，伺服器回傳的錯誤碼還原為 *errors.AppError，
// 呼叫端可以用 errors.IsOutOfTurn 等判斷。
//
// 伺服器的所有操作都是非阻塞的，等待對手是客戶端的責任：
// WaitFor* 以指數退避輪詢，直到條件成立、ctx 結束或超過最長等待時間。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperr "github.com/koopa0/system-design/14-battleship/pkg/errors"
	"github.com/koopa0/system-design/14-battleship/pkg/logger"
)

// Coordinate 棋盤座標
type Coordinate struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// Ship 船隻
type Ship struct {
	ID          string       `json:"id"`
	Coordinates []Coordinate `json:"coordinates"`
}

// Disclosure 揭曉結果，ShipID 為 nil 表示未命中
type Disclosure struct {
	Coordinate Coordinate `json:"coordinate"`
	ShipID     *string    `json:"ship_id"`
	Sunk       bool       `json:"sunk"`
}

// Hit 是否命中
func (d Disclosure) Hit() bool {
	return d.ShipID != nil
}

// MatchState 對局診斷資訊
type MatchState struct {
	MatchID       string `json:"match_id"`
	PhaseName     string `json:"phase_name"`
	Round         int    `json:"round"`
	Ready         bool   `json:"ready"`
	OpponentName  string `json:"opponent_name"`
	OwnShips      int    `json:"own_ships"`
	OpponentShips int    `json:"opponent_ships"`
	ShotsFired    int    `json:"shots_fired"`
	ShotsReceived int    `json:"shots_received"`
}

// Client RPC 客戶端
type Client struct {
	baseURL    string
	httpClient *http.Client
	wait       waitConfig
}

// Option 客戶端選項
type Option func(*Client)

// WithHTTPClient 使用自訂的 http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New 創建客戶端，baseURL 如 http://localhost:8080
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		wait:       defaultWaitConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register 註冊，id 為空時由伺服器產生
func (c *Client) Register(ctx context.Context, id, name string) (string, error) {
	params := map[string]any{
		"participant": map[string]string{"id": id, "name": name},
	}
	var out struct {
		ParticipantID string `json:"participant_id"`
	}
	if err := c.call(ctx, id, "register_participant", params, &out); err != nil {
		return "", err
	}
	return out.ParticipantID, nil
}

// OpponentFound 是否已配對
func (c *Client) OpponentFound(ctx context.Context, id string) (bool, error) {
	var out struct {
		Found bool `json:"found"`
	}
	err := c.call(ctx, id, "opponent_found", participant(id), &out)
	return out.Found, err
}

// AcceptOpponent 接受配對
func (c *Client) AcceptOpponent(ctx context.Context, id string) error {
	return c.call(ctx, id, "accept_opponent", participant(id), nil)
}

// RejectOpponent 拒絕配對
func (c *Client) RejectOpponent(ctx context.Context, id string) error {
	return c.call(ctx, id, "reject_opponent", participant(id), nil)
}

// OpponentResponded 投票結果，accepted 在尚未結算時為 nil
func (c *Client) OpponentResponded(ctx context.Context, id string) (ready bool, accepted *bool, err error) {
	var out struct {
		Ready    bool  `json:"ready"`
		Accepted *bool `json:"accepted"`
	}
	if err := c.call(ctx, id, "opponent_responded", participant(id), &out); err != nil {
		return false, nil, err
	}
	return out.Ready, out.Accepted, nil
}

// Deregister 離開服務
func (c *Client) Deregister(ctx context.Context, id string) error {
	return c.call(ctx, id, "deregister_participant", participant(id), nil)
}

// AddShip 擺放船隻
func (c *Client) AddShip(ctx context.Context, id string, ship Ship) error {
	return c.call(ctx, id, "add_ship", map[string]any{
		"participant_id": id,
		"ship":           ship,
	}, nil)
}

// GameReady 對局是否已開始
func (c *Client) GameReady(ctx context.Context, id string) (bool, error) {
	return c.ready(ctx, id, "game_ready")
}

// Fire 射擊
func (c *Client) Fire(ctx context.Context, id string, target Coordinate) error {
	return c.call(ctx, id, "fire", map[string]any{
		"participant_id": id,
		"coordinate":     target,
	}, nil)
}

// IncomingReady 雙方是否都已射擊
func (c *Client) IncomingReady(ctx context.Context, id string) (bool, error) {
	return c.ready(ctx, id, "incoming_ready")
}

// Incoming 揭曉對手的射擊
func (c *Client) Incoming(ctx context.Context, id string) (Disclosure, error) {
	var out Disclosure
	err := c.call(ctx, id, "incoming", participant(id), &out)
	return out, err
}

// OutgoingReady 雙方是否都已查詢來襲結果
func (c *Client) OutgoingReady(ctx context.Context, id string) (bool, error) {
	return c.ready(ctx, id, "outgoing_ready")
}

// Outgoing 揭曉自己的射擊
func (c *Client) Outgoing(ctx context.Context, id string) (Disclosure, error) {
	var out Disclosure
	err := c.call(ctx, id, "outgoing", participant(id), &out)
	return out, err
}

// MatchState 對局診斷資訊
func (c *Client) MatchState(ctx context.Context, id string) (MatchState, error) {
	var out MatchState
	err := c.call(ctx, id, "match_state", participant(id), &out)
	return out, err
}

func (c *Client) ready(ctx context.Context, id, method string) (bool, error) {
	var out struct {
		Ready bool `json:"ready"`
	}
	err := c.call(ctx, id, method, participant(id), &out)
	return out.Ready, err
}

func participant(id string) map[string]string {
	return map[string]string{"participant_id": id}
}

// envelope 伺服器回應
type envelope struct {
	Result json.RawMessage  `json:"result"`
	Error  *apperr.AppError `json:"error"`
}

// call 送出 RPC，result 為 nil 時忽略回傳值
func (c *Client) call(ctx context.Context, participantID, method string, params, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("序列化參數失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/rpc/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("建立請求失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if participantID != "" {
		req.Header.Set("X-Participant-ID", participantID)
	}
	// 沿用呼叫端的請求 ID，讓兩端日誌可以對上
	if requestID := logger.RequestID(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("呼叫 %s 失敗: %w", method, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, fmt.Sprintf("無法解析 %s 的回應（HTTP %d）", method, resp.StatusCode))
	}

	if env.Error != nil {
		return env.Error
	}
	if resp.StatusCode != http.StatusOK {
		return apperr.Newf(apperr.ErrCodeInternal, "%s 回傳 HTTP %d", method, resp.StatusCode)
	}

	if result == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, result); err != nil {
		return fmt.Errorf("解析 %s 的結果失敗: %w", method, err)
	}
	return nil
}
