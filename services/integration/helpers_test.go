package integration

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

type transactionView struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	Kind       string `json:"kind"`
	Status     string `json:"status"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	FromAmount string `json:"from_amount"`
	ToAmount   string `json:"to_amount"`
	Fee        string `json:"fee"`
}

type balanceView struct {
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

type operationResponse struct {
	Transaction transactionView `json:"transaction"`
	Balances    []balanceView   `json:"balances"`
	FromAmount  string          `json:"from_amount"`
	ToAmount    string          `json:"to_amount"`
	Fee         string          `json:"fee"`
}

type balancesResponse struct {
	Balances []balanceView `json:"balances"`
}

type transactionsResponse struct {
	Transactions []transactionView `json:"transactions"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func requireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("set RUN_INTEGRATION=1 to run")
	}
	waitForLedger(t)
}

func getLedgerURL() string {
	if url := os.Getenv("LEDGER_URL"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

func makeLedgerRequest(method, path string, body any) (*http.Response, error) {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequest(method, getLedgerURL()+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	return client.Do(req)
}

// call performs the request, checks the status and decodes the body into out
// when out is non-nil.
func call(t *testing.T, method, path string, body any, wantStatus int, out any) {
	t.Helper()
	resp, err := makeLedgerRequest(method, path, body)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected %d, got %d: %s", method, path, wantStatus, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

func waitForLedger(t *testing.T) {
	t.Helper()

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := makeLedgerRequest(http.MethodGet, "/readyz", nil)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}

	t.Fatal("ledger not ready within timeout")
}

func findBalance(t *testing.T, balances []balanceView, asset string) balanceView {
	t.Helper()
	for _, b := range balances {
		if b.Asset == asset {
			return b
		}
	}
	t.Fatalf("no %s balance in %+v", asset, balances)
	return balanceView{}
}

func assertAmount(t *testing.T, field, got, want string) {
	t.Helper()
	g, err := decimal.NewFromString(got)
	if err != nil {
		t.Fatalf("%s: bad decimal %q", field, got)
	}
	if !g.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("%s: expected %s, got %s", field, want, got)
	}
}
