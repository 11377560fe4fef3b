// Package handler HTTP 傳輸層
//
// 所有操作走同一個入口：POST /api/v1/rpc/{method}
//
//	請求：JSON 參數
//	成功：200 {"result": ...}
//	失敗：{"error": {"code": "OUT_OF_TURN", "message": "...", "details": "..."}}
//	      HTTP 狀態碼依錯誤碼對應
//
// 推播通知：GET /ws?participant_id=...
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-battleship/internal/limiter"
	"github.com/koopa0/system-design/14-battleship/internal/matchmaker"
	apperr "github.com/koopa0/system-design/14-battleship/pkg/errors"
	"github.com/koopa0/system-design/14-battleship/pkg/logger"
)

const (
	// HeaderRequestID 請求 ID
	HeaderRequestID = "X-Request-ID"
	// HeaderParticipantID 限流維度，客戶端可選擇提供
	HeaderParticipantID = "X-Participant-ID"

	maxBodyBytes = 64 << 10
)

// Handler HTTP 請求處理器
type Handler struct {
	matchmaker *matchmaker.Matchmaker
	hub        *Hub
	limiter    limiter.Func
	logger     *slog.Logger
	methods    map[string]method
}

// Option Handler 選項
type Option func(*Handler)

// WithLimiter 啟用 RPC 限流
func WithLimiter(fn limiter.Func) Option {
	return func(h *Handler) {
		h.limiter = fn
	}
}

// WithHub 啟用 WebSocket 推播
func WithHub(hub *Hub) Option {
	return func(h *Handler) {
		h.hub = hub
	}
}

// New 創建 HTTP 處理器
func New(mm *matchmaker.Matchmaker, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		matchmaker: mm,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.registerMethods()
	return h
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.requestID(h.loggerMiddleware(handler)))
	}

	mux.HandleFunc("POST /api/v1/rpc/{method}", wrap(h.rateLimit(h.call)))
	mux.HandleFunc("GET /api/v1/rpc", wrap(h.listMethods))

	if h.hub != nil {
		// Upgrade 需要原始的 ResponseWriter，不經過日誌中間件
		mux.HandleFunc("GET /ws", h.recoverer(h.requestID(h.hub.ServeWS)))
	}

	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// call 分派 RPC 方法
func (h *Handler) call(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("method")
	m, ok := h.methods[name]
	if !ok {
		h.errorResponse(w, r, apperr.ErrUnknownMethod.WithDetails(name))
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.errorResponse(w, r, apperr.Wrap(err, apperr.ErrCodeInvalidInput, "無法讀取請求內容"))
		return
	}

	result, err := m.invoke(r.Context(), raw)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	h.jsonResponse(w, map[string]any{"result": result}, http.StatusOK)
}

// listMethods 列出可用方法
func (h *Handler) listMethods(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"methods": h.methodList(),
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats := h.matchmaker.Stats()
	if h.hub != nil {
		stats["websocket_connections"] = h.hub.ConnectionCount()
	}
	h.jsonResponse(w, stats, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 將錯誤轉為 {"error": {...}}
//
// 非 AppError 一律視為 INTERNAL_ERROR，不把內部訊息送給客戶端。
func (h *Handler) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *apperr.AppError
	if !errors.As(err, &appErr) {
		h.logger.ErrorContext(r.Context(), "未預期的錯誤", "error", err)
		appErr = apperr.New(apperr.ErrCodeInternal, "internal server error")
	}

	status := apperr.HTTPStatus(appErr)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "RPC 失敗", "code", appErr.Code, "error", err)
	}

	h.jsonResponse(w, map[string]any{"error": appErr}, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.InfoContext(r.Context(), "HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// requestID 沿用客戶端提供的 X-Request-ID，否則產生新的
func (h *Handler) requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	}
}

// rateLimit 限流中間件
//
// 限流器失敗時放行（可用性優先），只記錄警告。
func (h *Handler) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	if h.limiter == nil {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
		defer cancel()

		key := rateLimitKey(r)
		allowed, err := h.limiter(ctx, key)
		if err != nil {
			h.logger.WarnContext(r.Context(), "限流器錯誤，放行請求", "key", key, "error", err)
			next(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", "1")
			h.errorResponse(w, r, apperr.ErrRateLimited.WithDetails(key))
			return
		}

		next(w, r)
	}
}

// rateLimitKey 優先以參與者限流，否則以來源 IP
func rateLimitKey(r *http.Request) string {
	if id := r.Header.Get(HeaderParticipantID); id != "" {
		return "participant:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.ErrorContext(r.Context(), "處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, r, apperr.New(apperr.ErrCodeInternal, "internal server error"))
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
