package handler

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/koopa0/system-design/14-battleship/internal/game"
	apperr "github.com/koopa0/system-design/14-battleship/pkg/errors"
	"github.com/koopa0/system-design/14-battleship/pkg/logger"
)

// method 一個 RPC 方法
//
// 每個方法自己解碼並驗證參數，核心邏輯只會收到型別正確的輸入。
type method struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	invoke      func(ctx context.Context, raw json.RawMessage) (any, error)
}

// validator 參數驗證
type validator interface {
	Validate() error
}

// participantScoped 帶有呼叫者身分的參數，用於日誌
type participantScoped interface {
	participant() string
}

// typed 以參數型別 P 建立方法
func typed[P any](name, description string, fn func(ctx context.Context, params P) (any, error)) method {
	return method{
		Name:        name,
		Description: description,
		invoke: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var params P
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &params); err != nil {
					return nil, apperr.Wrap(err, apperr.ErrCodeInvalidInput, "invalid params")
				}
			}
			if v, ok := any(&params).(validator); ok {
				if err := v.Validate(); err != nil {
					return nil, err
				}
			}
			if s, ok := any(&params).(participantScoped); ok {
				ctx = logger.WithParticipantID(ctx, s.participant())
			}
			return fn(ctx, params)
		},
	}
}

// 參數

type participantParams struct {
	ParticipantID string `json:"participant_id"`
}

func (p *participantParams) Validate() error {
	if p.ParticipantID == "" {
		return apperr.New(apperr.ErrCodeInvalidInput, "participant_id is required")
	}
	return nil
}

func (p *participantParams) participant() string { return p.ParticipantID }

type registerParams struct {
	Participant struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"participant"`
}

func (p *registerParams) Validate() error {
	if p.Participant.Name == "" && p.Participant.ID == "" {
		return apperr.New(apperr.ErrCodeInvalidInput, "participant.name is required")
	}
	return nil
}

func (p *registerParams) participant() string { return p.Participant.ID }

type shipParams struct {
	ID          string            `json:"id"`
	Coordinates []game.Coordinate `json:"coordinates"`
}

type addShipParams struct {
	ParticipantID string      `json:"participant_id"`
	Ship          *shipParams `json:"ship"`
}

func (p *addShipParams) Validate() error {
	if p.ParticipantID == "" {
		return apperr.New(apperr.ErrCodeInvalidInput, "participant_id is required")
	}
	if p.Ship == nil || p.Ship.ID == "" {
		return apperr.New(apperr.ErrCodeInvalidInput, "ship.id is required")
	}
	return nil
}

func (p *addShipParams) participant() string { return p.ParticipantID }

type fireParams struct {
	ParticipantID string           `json:"participant_id"`
	Coordinate    *game.Coordinate `json:"coordinate"`
}

func (p *fireParams) Validate() error {
	if p.ParticipantID == "" {
		return apperr.New(apperr.ErrCodeInvalidInput, "participant_id is required")
	}
	if p.Coordinate == nil {
		return apperr.New(apperr.ErrCodeInvalidInput, "coordinate is required")
	}
	return nil
}

func (p *fireParams) participant() string { return p.ParticipantID }

// 回傳值

type disclosureResult struct {
	Coordinate game.Coordinate `json:"coordinate"`
	ShipID     *string         `json:"ship_id"`
	Sunk       bool            `json:"sunk"`
}

func newDisclosureResult(d game.Disclosure) disclosureResult {
	out := disclosureResult{Coordinate: d.Coordinate, Sunk: d.Sunk}
	if d.Ship != nil {
		id := d.Ship.ID
		out.ShipID = &id
	}
	return out
}

type readyResult struct {
	Ready bool `json:"ready"`
}

// registerMethods 建立方法表
func (h *Handler) registerMethods() {
	mm := h.matchmaker

	methods := []method{
		typed("register_participant", "註冊並加入配對佇列",
			func(ctx context.Context, p registerParams) (any, error) {
				participant, err := mm.Register(ctx, p.Participant.ID, p.Participant.Name)
				if err != nil {
					return nil, err
				}
				return map[string]string{"participant_id": participant.ID}, nil
			}),
		typed("opponent_found", "是否已配對到對手",
			func(_ context.Context, p participantParams) (any, error) {
				return map[string]bool{"found": mm.OpponentFound(p.ParticipantID)}, nil
			}),
		typed("accept_opponent", "接受配對",
			func(ctx context.Context, p participantParams) (any, error) {
				mm.AcceptOpponent(ctx, p.ParticipantID)
				return nil, nil
			}),
		typed("reject_opponent", "拒絕配對",
			func(ctx context.Context, p participantParams) (any, error) {
				mm.RejectOpponent(ctx, p.ParticipantID)
				return nil, nil
			}),
		typed("opponent_responded", "查詢投票結果",
			func(_ context.Context, p participantParams) (any, error) {
				ready, accepted := mm.OpponentResponded(p.ParticipantID)
				return struct {
					Ready    bool  `json:"ready"`
					Accepted *bool `json:"accepted"`
				}{ready, accepted}, nil
			}),
		typed("deregister_participant", "離開服務",
			func(ctx context.Context, p participantParams) (any, error) {
				mm.Deregister(ctx, p.ParticipantID)
				return nil, nil
			}),
		typed("add_ship", "擺放船隻",
			func(ctx context.Context, p addShipParams) (any, error) {
				ship := game.NewShip(p.Ship.ID, p.Ship.Coordinates...)
				return nil, mm.AddShip(ctx, p.ParticipantID, ship)
			}),
		typed("game_ready", "對局是否已開始",
			func(_ context.Context, p participantParams) (any, error) {
				ready, err := mm.GameReady(p.ParticipantID)
				if err != nil {
					return nil, err
				}
				return readyResult{Ready: ready}, nil
			}),
		typed("fire", "射擊",
			func(ctx context.Context, p fireParams) (any, error) {
				return nil, mm.Fire(ctx, p.ParticipantID, *p.Coordinate)
			}),
		typed("incoming_ready", "雙方是否都已射擊",
			func(_ context.Context, p participantParams) (any, error) {
				ready, err := mm.IncomingReady(p.ParticipantID)
				if err != nil {
					return nil, err
				}
				return readyResult{Ready: ready}, nil
			}),
		typed("incoming", "揭曉對手的射擊結果",
			func(ctx context.Context, p participantParams) (any, error) {
				d, err := mm.Incoming(ctx, p.ParticipantID)
				if err != nil {
					return nil, err
				}
				return newDisclosureResult(d), nil
			}),
		typed("outgoing_ready", "雙方是否都已查詢來襲結果",
			func(_ context.Context, p participantParams) (any, error) {
				ready, err := mm.OutgoingReady(p.ParticipantID)
				if err != nil {
					return nil, err
				}
				return readyResult{Ready: ready}, nil
			}),
		typed("outgoing", "揭曉自己的射擊結果",
			func(ctx context.Context, p participantParams) (any, error) {
				d, err := mm.Outgoing(ctx, p.ParticipantID)
				if err != nil {
					return nil, err
				}
				return newDisclosureResult(d), nil
			}),
		typed("match_state", "對局診斷資訊",
			func(_ context.Context, p participantParams) (any, error) {
				return mm.MatchState(p.ParticipantID)
			}),
	}

	h.methods = make(map[string]method, len(methods))
	for _, m := range methods {
		h.methods[m.Name] = m
	}
}

// methodList 依名稱排序的方法清單
func (h *Handler) methodList() []method {
	list := make([]method, 0, len(h.methods))
	for _, m := range h.methods {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}
