package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"AgentPay-Chain/internal/engine"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/sessionkey"
	"AgentPay-Chain/internal/userop"
)

// Server 负责暴露 REST 接口，供外部发起委托执行与管理会话密钥。
type Server struct {
	addr     string
	engine   *engine.Engine
	sessions *sessionkey.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, eng *engine.Engine, sessions *sessionkey.Service) *Server {
	return &Server{addr: addr, engine: eng, sessions: sessions}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/execute", metrics.Instrument("execute", s.handleExecute))
	mux.HandleFunc("/api/v1/sign-typed", metrics.Instrument("sign_typed", s.handleSignTyped))
	mux.HandleFunc("/api/v1/sessions", metrics.Instrument("sessions", s.handleSessions))
	mux.HandleFunc("/api/v1/sessions/", metrics.Instrument("session_detail", s.handleSessionDetail))
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// executeRequest 是委托执行接口的请求体。
type executeRequest struct {
	WalletID string               `json:"wallet_id"`
	UserID   string               `json:"user_id"`
	AgentID  string               `json:"agent_id,omitempty"`
	Request  userop.ActionRequest `json:"request"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "执行引擎未初始化", http.StatusServiceUnavailable)
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.WalletID) == "" || strings.TrimSpace(req.UserID) == "" {
		http.Error(w, "wallet_id 与 user_id 不能为空", http.StatusBadRequest)
		return
	}

	scope := sessionkey.Scope{WalletID: req.WalletID, UserID: req.UserID, AgentID: req.AgentID}
	outcome, err := s.engine.ExecuteDelegated(r.Context(), scope, req.Request)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// signTypedRequest 是类型化数据签名接口的请求体。
type signTypedRequest struct {
	WalletID  string             `json:"wallet_id"`
	UserID    string             `json:"user_id"`
	AgentID   string             `json:"agent_id,omitempty"`
	TypedData apitypes.TypedData `json:"typed_data"`
}

func (s *Server) handleSignTyped(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "执行引擎未初始化", http.StatusServiceUnavailable)
		return
	}

	var req signTypedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	scope := sessionkey.Scope{WalletID: req.WalletID, UserID: req.UserID, AgentID: req.AgentID}
	sig, digest, err := s.engine.SignTypedData(r.Context(), scope, req.TypedData)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"signature": hexutil.Encode(sig),
		"digest":    digest.Hex(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.sessions == nil {
		http.Error(w, "会话服务未初始化", http.StatusServiceUnavailable)
		return
	}

	var req sessionkey.IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	key, err := s.sessions.Issue(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		http.Error(w, "会话服务未初始化", http.StatusServiceUnavailable)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "缺少会话密钥 ID", http.StatusBadRequest)
		return
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		key, err := s.sessions.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, key)
	case r.Method == http.MethodDelete && action == "":
		if err := s.sessions.Revoke(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPost && action == "renew":
		key, err := s.sessions.Renew(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, key)
	default:
		http.Error(w, "不支持的方法或路径", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 把统一错误码映射到 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case sessionkey.CodeSessionNotFound:
		status = http.StatusNotFound
	case sessionkey.CodeSessionConflict:
		status = http.StatusConflict
	case sessionkey.CodeSessionValidation, xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case sessionkey.CodeSessionRevoked, sessionkey.CodeSessionExpired, sessionkey.CodeRenewalNotAllowed:
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
