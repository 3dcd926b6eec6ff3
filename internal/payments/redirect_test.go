package payments

import "testing"

func TestClassifyRedirect(t *testing.T) {
	const domain = "storefront.app"
	cases := []struct {
		url  string
		want RedirectOutcome
	}{
		{"https://storefront.app/payment/result?status=success", RedirectSuccess},
		{"https://storefront.app/payment/result?status=sandbox&order_id=PAY-1", RedirectSuccess},
		{"https://pay.storefront.app/r?status=SUCCESS", RedirectSuccess},
		{"https://storefront.app/payment/result?status=failure", RedirectCancelled},
		{"https://storefront.app/payment/result", RedirectCancelled},
		{"https://STOREFRONT.APP/back", RedirectCancelled},
		{"https://www.liqpay.ua/api/3/checkout?status=success", RedirectContinue},
		{"https://evilstorefront.app/?status=success", RedirectContinue},
		{"https://storefront.app.evil.com/?status=success", RedirectContinue},
		{"not a url", RedirectContinue},
		{"", RedirectContinue},
	}
	for _, tc := range cases {
		if got := ClassifyRedirect(domain, tc.url); got != tc.want {
			t.Fatalf("ClassifyRedirect(%q) = %s, want %s", tc.url, got, tc.want)
		}
	}
	if got := ClassifyRedirect("", "https://storefront.app/?status=success"); got != RedirectContinue {
		t.Fatalf("unconfigured domain must continue, got %s", got)
	}
}
