package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"donation-gateway/internal/gateway"
)

// Drives a running server through the call patterns the real gateway
// produces: duplicate creates, perform retries, repeated cancels, and
// a statement read at the end. After each step the persisted state is
// re-read through CheckTransaction so divergence shows up immediately.
func main() {
	ctx := context.Background()

	base := os.Getenv("SIMULATE_BASE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	merchantKey := os.Getenv("MERCHANT_KEY")
	accountField := os.Getenv("MERCHANT_ACCOUNT_FIELD")
	if accountField == "" {
		accountField = "donation_id"
	}

	client := gateway.NewClient(base+"/api/gateway", merchantKey)
	from := time.Now().UnixMilli()

	fmt.Println("--- STARTING SIMULATION (5 DONATIONS) ---")
	for i := 0; i < 5; i++ {
		amount := int64((i + 1) * 250000)
		donationID, err := createDonation(ctx, base, amount)
		if err != nil {
			log.Printf("create donation failed: %v", err)
			continue
		}
		externalID := fmt.Sprintf("sim-%d-%d", time.Now().UnixNano(), i)
		fmt.Printf("[%d] Donation %s amount %d, external id %s\n", i+1, donationID, amount, externalID)

		if err := client.CheckPerform(ctx, accountField, donationID, amount); err != nil {
			fmt.Printf("    CheckPerform FAILED: %v\n", err)
			continue
		}

		// The gateway routinely re-sends CreateTransaction.
		first, err := client.CreateTransaction(ctx, accountField, externalID, donationID, amount)
		if err != nil {
			fmt.Printf("    Create FAILED: %v\n", err)
			continue
		}
		second, err := client.CreateTransaction(ctx, accountField, externalID, donationID, amount)
		if err != nil {
			fmt.Printf("    Duplicate create FAILED: %v\n", err)
		} else if first.CreateTime != second.CreateTime {
			fmt.Printf("    DUPLICATE ROW SUSPECTED: create_time %d vs %d\n", first.CreateTime, second.CreateTime)
		}

		if i%2 == 0 {
			step(ctx, client, externalID, "Perform", func() (*gateway.Snapshot, error) {
				return client.PerformTransaction(ctx, externalID)
			})
			// Retry after success must be a no-op.
			step(ctx, client, externalID, "Perform retry", func() (*gateway.Snapshot, error) {
				return client.PerformTransaction(ctx, externalID)
			})
		} else {
			step(ctx, client, externalID, "Cancel", func() (*gateway.Snapshot, error) {
				return client.CancelTransaction(ctx, externalID, 3)
			})
			step(ctx, client, externalID, "Cancel retry", func() (*gateway.Snapshot, error) {
				return client.CancelTransaction(ctx, externalID, 3)
			})
		}
		fmt.Println("---------------------------------------------------")
		time.Sleep(100 * time.Millisecond)
	}

	st, err := client.GetStatement(ctx, from, time.Now().UnixMilli())
	if err != nil {
		log.Fatalf("GetStatement failed: %v", err)
	}
	fmt.Printf("Statement: %d transactions in window\n", len(st.Transactions))
	for _, t := range st.Transactions {
		fmt.Printf("    %s state=%d amount=%d\n", t.Transaction, t.State, t.Amount)
	}
}

func step(ctx context.Context, client *gateway.Client, externalID, name string, call func() (*gateway.Snapshot, error)) {
	snap, err := call()
	if err != nil {
		fmt.Printf("    %s FAILED: %v\n", name, err)
		return
	}
	fmt.Printf("    %s OK, state=%d\n", name, snap.State)

	// Re-read what is actually persisted.
	fresh, err := client.CheckTransaction(ctx, externalID)
	if err != nil {
		fmt.Printf("    -> CheckTransaction FAILED: %v\n", err)
		return
	}
	fmt.Printf("    -> DB state: %d\n", fresh.State)
}

func createDonation(ctx context.Context, base string, amount int64) (string, error) {
	body, _ := json.Marshal(map[string]any{"amount": amount})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/donations", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ID, nil
}
