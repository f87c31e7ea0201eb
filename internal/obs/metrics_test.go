package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                               "/",
		"/metrics":                       "/metrics",
		"/v1/accounts/abc":               "/v1/accounts/:id",
		"/v1/transactions/01ABC":         "/v1/transactions/:id",
		"/v1/sales/xyz":                  "/v1/sales/:id",
		"/v1/sales/xyz/payments":         "/v1/sales/:id/payments",
		"/v1/transactions?limit=10":      "/v1/transactions",
		"/v1/sales/xyz/payments/deeper":  "/v1/sales/xyz/payments/deeper",
		"/v1/accounts":                   "/v1/accounts",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
