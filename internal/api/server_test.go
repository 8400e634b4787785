package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"AgentPay-Chain/internal/permission"
	"AgentPay-Chain/internal/sessionkey"
)

func newTestServer() (*Server, *sessionkey.Service) {
	service := sessionkey.NewService(sessionkey.NewMemoryStore())
	return NewServer(":0", nil, service), service
}

func issueBody(expiresAt int64) []byte {
	payload := sessionkey.IssueRequest{
		WalletID:           "wallet-1",
		UserID:             "user-1",
		SignerAddress:      "0x1111111111111111111111111111111111111111",
		SmartWalletAddress: "0x2222222222222222222222222222222222222222",
		Permissions: permission.Permission{
			AllowedActions: []permission.ActionKind{permission.ActionTransfer},
			SpendingLimit:  big.NewInt(1_000_000),
			ExpiryTime:     expiresAt,
		},
	}
	raw, _ := json.Marshal(payload)
	return raw
}

func TestHandleSessionsIssue(t *testing.T) {
	server, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewReader(issueBody(time.Now().Add(time.Hour).Unix())))
	rec := httptest.NewRecorder()

	server.handleSessions(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("状态码期望 %d, 实际 %d: %s", http.StatusCreated, rec.Code, rec.Body.String())
	}
	var got sessionkey.SessionKey
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if got.ID == "" || got.Status != sessionkey.StatusActive {
		t.Fatalf("签发结果非法: %+v", got)
	}
}

func TestHandleSessionsRejectsInvalid(t *testing.T) {
	server, _ := newTestServer()

	// 过期时间在过去。
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewReader(issueBody(time.Now().Add(-time.Hour).Unix())))
	rec := httptest.NewRecorder()

	server.handleSessions(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("状态码期望 %d, 实际 %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandleSessionDetail(t *testing.T) {
	server, service := newTestServer()
	key, err := service.Issue(context.Background(), sessionkey.IssueRequest{
		WalletID:           "wallet-1",
		UserID:             "user-1",
		SignerAddress:      "0x1111111111111111111111111111111111111111",
		SmartWalletAddress: "0x2222222222222222222222222222222222222222",
		Permissions: permission.Permission{
			AllowedActions: []permission.ActionKind{permission.ActionTransfer},
			SpendingLimit:  big.NewInt(1_000_000),
			ExpiryTime:     time.Now().Add(time.Hour).Unix(),
		},
	})
	if err != nil {
		t.Fatalf("签发会话密钥失败: %v", err)
	}

	t.Run("get", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+key.ID, nil)
		rec := httptest.NewRecorder()

		server.handleSessionDetail(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("状态码期望 %d, 实际 %d", http.StatusOK, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/missing", nil)
		rec := httptest.NewRecorder()

		server.handleSessionDetail(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("状态码期望 %d, 实际 %d", http.StatusNotFound, rec.Code)
		}
	})

	t.Run("revoke", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/"+key.ID, nil)
		rec := httptest.NewRecorder()

		server.handleSessionDetail(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("状态码期望 %d, 实际 %d", http.StatusNoContent, rec.Code)
		}
		stored, err := service.Get(context.Background(), key.ID)
		if err != nil {
			t.Fatalf("读取会话密钥失败: %v", err)
		}
		if stored.Status != sessionkey.StatusRevoked {
			t.Fatalf("吊销后状态应为 revoked, 实际 %s", stored.Status)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/", nil)
		rec := httptest.NewRecorder()

		server.handleSessionDetail(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("状态码期望 %d, 实际 %d", http.StatusBadRequest, rec.Code)
		}
	})
}

func TestHandleExecuteRequiresEngine(t *testing.T) {
	server, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/execute", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()

	server.handleExecute(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("状态码期望 %d, 实际 %d", http.StatusServiceUnavailable, rec.Code)
	}
}
