package access

import "testing"

func TestMaskEmail(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{name: "typical", input: "jane.doe@example.com", want: "ja**@example.com", wantOK: true},
		{name: "trimmed", input: "  bob@example.org ", want: "bo**@example.org", wantOK: true},
		{name: "short local part", input: "jo@example.com", want: "j**@example.com", wantOK: true},
		{name: "single char local part", input: "x@example.com", want: "x**@example.com", wantOK: true},
		{name: "display name form", input: "Jane <jane@example.com>", wantOK: false},
		{name: "missing at", input: "jane.example.com", wantOK: false},
		{name: "missing domain", input: "jane@", wantOK: false},
		{name: "empty", input: "", wantOK: false},
	}
	for _, testCase := range testCases {
		got, ok := MaskEmail(testCase.input)
		if ok != testCase.wantOK || got != testCase.want {
			test.Fatalf("%s: MaskEmail(%q) = %q, %v; want %q, %v", testCase.name, testCase.input, got, ok, testCase.want, testCase.wantOK)
		}
	}
}

func TestHostAllowListFilter(test *testing.T) {
	test.Parallel()
	allowList := NewHostAllowList([]string{" Pay.Stripe.com ", ""})
	testCases := []struct {
		name   string
		input  string
		wantOK bool
	}{
		{name: "trusted", input: "https://pay.stripe.com/receipts/acct_1/ch_1/rcpt_1", wantOK: true},
		{name: "trusted uppercase host", input: "https://PAY.STRIPE.COM/receipts/x", wantOK: true},
		{name: "explicit https port", input: "https://pay.stripe.com:443/receipts/x", wantOK: true},
		{name: "plain http", input: "http://pay.stripe.com/receipts/x", wantOK: false},
		{name: "lookalike subdomain", input: "https://pay.stripe.com.evil.example/receipts/x", wantOK: false},
		{name: "nested subdomain", input: "https://evil.pay.stripe.com/receipts/x", wantOK: false},
		{name: "userinfo", input: "https://pay.stripe.com@evil.example/x", wantOK: false},
		{name: "odd port", input: "https://pay.stripe.com:8443/x", wantOK: false},
		{name: "javascript", input: "javascript:alert(1)", wantOK: false},
		{name: "empty", input: "", wantOK: false},
	}
	for _, testCase := range testCases {
		if _, ok := allowList.Filter(testCase.input); ok != testCase.wantOK {
			test.Fatalf("%s: Filter(%q) ok=%v, want %v", testCase.name, testCase.input, ok, testCase.wantOK)
		}
	}
}
