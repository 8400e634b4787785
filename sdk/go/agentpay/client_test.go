package agentpay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIssueSessionKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var req SessionKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.WalletID != "wallet-1" {
			t.Fatalf("unexpected wallet id: %s", req.WalletID)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(SessionKey{
			ID:       "sk-1",
			WalletID: req.WalletID,
			Status:   "active",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	key, err := client.IssueSessionKey(context.Background(), SessionKeyRequest{
		WalletID:      "wallet-1",
		UserID:        "user-1",
		SignerAddress: "0x0000000000000000000000000000000000000001",
		Permissions: Permission{
			AllowedActions: []string{"transfer"},
			SpendingLimit:  "1000000",
		},
	})
	if err != nil {
		t.Fatalf("issue session key: %v", err)
	}
	if key.ID != "sk-1" {
		t.Fatalf("unexpected session key id: %s", key.ID)
	}
	if key.Status != "active" {
		t.Fatalf("unexpected status: %s", key.Status)
	}
}

func TestExecuteReturnsOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/execute" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var req ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if req.Request.Action != "transfer" {
			t.Fatalf("unexpected action: %s", req.Request.Action)
		}
		_ = json.NewEncoder(w).Encode(ExecutionOutcome{
			Kind:          "confirmed",
			SessionKeyID:  "sk-1",
			OperationHash: "0xabc",
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	outcome, err := client.Execute(context.Background(), ExecuteRequest{
		WalletID: "wallet-1",
		UserID:   "user-1",
		Request: ActionRequest{
			Action: "transfer",
			Amount: "500000",
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.Kind != "confirmed" {
		t.Fatalf("unexpected outcome kind: %s", outcome.Kind)
	}
	if outcome.OperationHash != "0xabc" {
		t.Fatalf("unexpected operation hash: %s", outcome.OperationHash)
	}
}

func TestRevokeSessionKey(t *testing.T) {
	revoked := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions/sk-1" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodDelete {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		revoked = true
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if err := client.RevokeSessionKey(context.Background(), "sk-1"); err != nil {
		t.Fatalf("revoke session key: %v", err)
	}
	if !revoked {
		t.Fatal("session key was not revoked")
	}
}

func TestGetSessionKeyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "会话密钥不存在", http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.GetSessionKey(context.Background(), "sk-missing")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status code: %d", apiErr.StatusCode)
	}
}

func TestRenewSessionKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sessions/sk-1/renew" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		_ = json.NewEncoder(w).Encode(SessionKey{
			ID:     "sk-1",
			Status: "active",
			Permissions: Permission{
				RenewalsUsed: 1,
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	key, err := client.RenewSessionKey(context.Background(), "sk-1")
	if err != nil {
		t.Fatalf("renew session key: %v", err)
	}
	if key.Permissions.RenewalsUsed != 1 {
		t.Fatalf("unexpected renewals used: %d", key.Permissions.RenewalsUsed)
	}
}
