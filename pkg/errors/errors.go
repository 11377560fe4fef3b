// Package errors 提供對戰服務的錯誤分類
//
// 錯誤碼是跨越 RPC 邊界的穩定字串，客戶端依此分支處理：
// OUT_OF_TURN 代表稍後重試，REPEAT_FIRE 代表換一個座標。
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// 定義錯誤碼
const (
	// ErrCodeOutsideGrid 座標超出棋盤
	ErrCodeOutsideGrid = "OUTSIDE_GRID"
	// ErrCodeShipCollision 船隻與己方艦隊重疊
	ErrCodeShipCollision = "SHIP_COLLISION"
	// ErrCodeRepeatFire 重複射擊同一座標
	ErrCodeRepeatFire = "REPEAT_FIRE"
	// ErrCodeOutOfTurn 不在允許的階段，或本回合已行動
	ErrCodeOutOfTurn = "OUT_OF_TURN"
	// ErrCodeAlreadyInitialized 對局已綁定雙方
	ErrCodeAlreadyInitialized = "ALREADY_INITIALIZED"
	// ErrCodeNotBound 參與者沒有進行中的對局
	ErrCodeNotBound = "NOT_BOUND"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeUnknownMethod 未註冊的 RPC 方法
	ErrCodeUnknownMethod = "UNKNOWN_METHOD"
	// ErrCodeRateLimited 請求過於頻繁
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比對，讓 errors.Is(err, ErrOutOfTurn) 對任何訊息都成立
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf 以格式化訊息創建錯誤
func Newf(code, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶有詳細資訊的副本，不修改預定義錯誤
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤（僅用於 errors.Is 比對）
var (
	ErrOutsideGrid        = New(ErrCodeOutsideGrid, "coordinate outside grid")
	ErrShipCollision      = New(ErrCodeShipCollision, "ship collides with another ship")
	ErrRepeatFire         = New(ErrCodeRepeatFire, "coordinate already fired at")
	ErrOutOfTurn          = New(ErrCodeOutOfTurn, "out of turn")
	ErrAlreadyInitialized = New(ErrCodeAlreadyInitialized, "match already initialized")
	ErrNotBound           = New(ErrCodeNotBound, "participant has no active match")
	ErrInvalidInput       = New(ErrCodeInvalidInput, "invalid input")
	ErrUnknownMethod      = New(ErrCodeUnknownMethod, "unknown method")
	ErrRateLimited        = New(ErrCodeRateLimited, "rate limit exceeded")
)

// Code 取得錯誤碼，非 AppError 一律視為內部錯誤
func Code(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode 檢查錯誤鏈中是否有指定錯誤碼
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsOutOfTurn 檢查是否為回合錯誤（可輪詢後重試）
func IsOutOfTurn(err error) bool {
	return HasCode(err, ErrCodeOutOfTurn)
}

// IsNotBound 檢查是否為未綁定對局錯誤
func IsNotBound(err error) bool {
	return HasCode(err, ErrCodeNotBound)
}

// IsRetryable 只有 OUT_OF_TURN 與 RATE_LIMITED 會因等待而改變結果
func IsRetryable(err error) bool {
	return IsOutOfTurn(err) || HasCode(err, ErrCodeRateLimited)
}

// HTTPStatus 錯誤碼對應的 HTTP 狀態碼
func HTTPStatus(err error) int {
	switch Code(err) {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeOutsideGrid, ErrCodeShipCollision, ErrCodeRepeatFire:
		return http.StatusUnprocessableEntity
	case ErrCodeOutOfTurn, ErrCodeAlreadyInitialized:
		return http.StatusConflict
	case ErrCodeNotBound, ErrCodeUnknownMethod:
		return http.StatusNotFound
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
