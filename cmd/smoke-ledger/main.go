// Command smoke-ledger exercises a running API end to end: it obtains a
// token, moves money between two fresh accounts, links a sale payment, and
// verifies the balances the server reports.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

type client struct {
	base  string
	token string
	http  *http.Client
}

func main() {
	base := os.Getenv("FINLEDGER_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	c := &client{base: base, http: &http.Client{Timeout: 5 * time.Second}}
	user := fmt.Sprintf("smoke-%d", rand.New(rand.NewSource(time.Now().UnixNano())).Int())

	var tok struct {
		Token string `json:"token"`
	}
	c.call("POST", "/v1/auth/token", map[string]any{"user": user, "roles": []string{"owner"}}, &tok)
	c.token = tok.Token

	type account struct {
		ID             string          `json:"id"`
		CurrentBalance decimal.Decimal `json:"currentBalance"`
	}
	var src, dst account
	c.call("POST", "/v1/accounts", map[string]any{"name": "Smoke Source", "type": "checking", "currency": "USD"}, &src)
	c.call("POST", "/v1/accounts", map[string]any{"name": "Smoke Destination", "type": "savings", "currency": "USD"}, &dst)

	c.call("POST", "/v1/transactions", map[string]any{
		"accountId": src.ID, "type": "income", "amount": "1000", "currency": "USD",
	}, nil)
	c.call("POST", "/v1/transactions", map[string]any{
		"accountId": src.ID, "toAccountId": dst.ID, "type": "transfer",
		"amount": "420", "currency": "USD",
	}, nil)

	c.call("GET", "/v1/accounts/"+src.ID, nil, &src)
	c.call("GET", "/v1/accounts/"+dst.ID, nil, &dst)

	total := src.CurrentBalance.Add(dst.CurrentBalance)
	if !total.Equal(decimal.NewFromInt(1000)) {
		log.Fatalf("ledger conservation failed: %s + %s", src.CurrentBalance, dst.CurrentBalance)
	}
	if !src.CurrentBalance.Equal(decimal.NewFromInt(580)) || !dst.CurrentBalance.Equal(decimal.NewFromInt(420)) {
		log.Fatalf("unexpected balances: src=%s dst=%s", src.CurrentBalance, dst.CurrentBalance)
	}

	type sale struct {
		ID         string          `json:"id"`
		Status     string          `json:"status"`
		AmountPaid decimal.Decimal `json:"amountPaid"`
	}
	var s sale
	c.call("POST", "/v1/sales", map[string]any{
		"subTotal": "400", "taxAmount": "20", "totalAmountDue": "420",
	}, &s)

	var payment struct {
		ID string `json:"id"`
	}
	c.call("POST", "/v1/transactions", map[string]any{
		"accountId": dst.ID, "type": "income", "amount": "420", "currency": "USD",
	}, &payment)
	c.call("POST", "/v1/sales/"+s.ID+"/payments", map[string]any{"transactionId": payment.ID}, &s)

	if s.Status != "paid" || !s.AmountPaid.Equal(decimal.NewFromInt(420)) {
		log.Fatalf("sale not settled: status=%s paid=%s", s.Status, s.AmountPaid)
	}

	fmt.Printf("✅ ledger smoke test passed: accounts=%s,%s sale=%s\n", src.ID, dst.ID, s.ID)
}

func (c *client) call(method, path string, body any, out any) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			log.Fatalf("%s %s: marshal: %v", method, path, err)
		}
	}
	req, err := http.NewRequest(method, c.base+path, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		log.Fatalf("%s %s: status %d: %s", method, path, resp.StatusCode, apiErr.Message)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}
