package payments

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

type stripeCall struct {
	Path string
	Form url.Values
}

func newTestClient(t *testing.T) (*StripeClient, *[]stripeCall) {
	t.Helper()
	var calls []stripeCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		calls = append(calls, stripeCall{Path: r.URL.Path, Form: form})
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"pi_test_1","object":"payment_intent","status":"requires_capture"}`)
	}))
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	api := client.New("sk_test_dispatch", &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return &StripeClient{api: api}, &calls
}

func TestHoldUsesManualCapture(t *testing.T) {
	c, calls := newTestClient(t)
	id, err := c.Hold(context.Background(), 1250, "usd", "cus_42")
	if err != nil {
		t.Fatal(err)
	}
	if id != "pi_test_1" {
		t.Fatalf("id = %q", id)
	}
	got := (*calls)[0]
	if !strings.HasSuffix(got.Path, "/v1/payment_intents") {
		t.Fatalf("path = %s", got.Path)
	}
	if got.Form.Get("capture_method") != "manual" || got.Form.Get("amount") != "1250" || got.Form.Get("customer") != "cus_42" {
		t.Fatalf("form = %v", got.Form)
	}
}

func TestCaptureAndCancelHitIntentEndpoints(t *testing.T) {
	c, calls := newTestClient(t)
	if err := c.Capture(context.Background(), "pi_test_1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Cancel(context.Background(), "pi_test_1"); err != nil {
		t.Fatal(err)
	}
	if len(*calls) != 2 {
		t.Fatalf("calls = %d", len(*calls))
	}
	if !strings.HasSuffix((*calls)[0].Path, "/payment_intents/pi_test_1/capture") ||
		!strings.HasSuffix((*calls)[1].Path, "/payment_intents/pi_test_1/cancel") {
		t.Fatalf("paths = %s, %s", (*calls)[0].Path, (*calls)[1].Path)
	}
}

func TestAmountCents(t *testing.T) {
	cases := map[float64]int64{0: 0, 12.5: 1250, 19.99: 1999, 7: 700}
	for fare, want := range cases {
		if got := AmountCents(fare); got != want {
			t.Errorf("AmountCents(%v) = %d, want %d", fare, got, want)
		}
	}
}
