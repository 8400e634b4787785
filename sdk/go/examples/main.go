package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"AgentPay-Chain/sdk/go/agentpay"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(agentpay.SessionKey{
				ID:       "sk-demo",
				WalletID: "wallet-demo",
				Status:   "active",
				Permissions: agentpay.Permission{
					AllowedActions: []string{"transfer"},
					SpendingLimit:  "1000000",
				},
				ExpiresAt: time.Now().Add(24 * time.Hour).Unix(),
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/execute", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentpay.ExecutionOutcome{
			Kind:          "confirmed",
			SessionKeyID:  "sk-demo",
			OperationHash: "0x4337000000000000000000000000000000000000000000000000000000000001",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := agentpay.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key, err := client.IssueSessionKey(ctx, agentpay.SessionKeyRequest{
		WalletID:           "wallet-demo",
		UserID:             "user-demo",
		SignerAddress:      "0x0000000000000000000000000000000000000001",
		SmartWalletAddress: "0x0000000000000000000000000000000000000002",
		Permissions: agentpay.Permission{
			AllowedActions: []string{"transfer"},
			SpendingLimit:  "1000000",
			ExpiryTime:     time.Now().Add(24 * time.Hour).Unix(),
		},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("issued session key %s (status=%s)\n", key.ID, key.Status)

	outcome, err := client.Execute(ctx, agentpay.ExecuteRequest{
		WalletID: "wallet-demo",
		UserID:   "user-demo",
		Request: agentpay.ActionRequest{
			Action:      "transfer",
			Amount:      "500000",
			Destination: "0x0000000000000000000000000000000000000003",
		},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("execution %s operation=%s\n", outcome.Kind, outcome.OperationHash)
}
