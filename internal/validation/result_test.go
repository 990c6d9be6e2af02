package validation

import (
	"errors"
	"testing"

	"github.com/mmeshcher/receiptdraw/internal/model"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantErr     bool
		wantValid   bool
		wantReason  string
		wantInvoice string
		wantShop    string
	}{
		{
			name:        "complete response",
			raw:         `{"valid": true, "reason": "ok", "data": {"invoice_id": "INV-1", "shop_name": "Acme"}}`,
			wantValid:   true,
			wantReason:  "ok",
			wantInvoice: "INV-1",
			wantShop:    "Acme",
		},
		{
			name:        "fenced json",
			raw:         "Here you go:\n```json\n{\"valid\": true, \"reason\": \"ok\", \"data\": {\"invoice_id\": \"A1\"}}\n```",
			wantValid:   true,
			wantReason:  "ok",
			wantInvoice: "A1",
		},
		{
			name:       "plain fence",
			raw:        "```\n{\"valid\": false, \"reason\": \"shop not matched\", \"data\": {\"invoice_id\": null, \"shop_name\": \"OtherShop\"}}\n```",
			wantReason: "shop not matched",
			wantShop:   "OtherShop",
		},
		{
			name:       "missing reason and data are backfilled",
			raw:        `{"valid": false}`,
			wantReason: UnknownReason,
		},
		{
			name:        "missing valid is untrusted",
			raw:         `{"reason": "ok", "data": {"invoice_id": "X"}}`,
			wantErr:     true,
			wantReason:  "ok",
			wantInvoice: "X",
		},
		{
			name:       "string valid is untrusted",
			raw:        `{"valid": "true", "reason": "ok"}`,
			wantErr:    true,
			wantReason: "ok",
		},
		{
			name:       "null valid is untrusted",
			raw:        `{"valid": null}`,
			wantErr:    true,
			wantReason: UnknownReason,
		},
		{
			name:       "not json",
			raw:        "I could not read the invoice",
			wantErr:    true,
			wantReason: UnknownReason,
		},
		{
			name:       "json null",
			raw:        "null",
			wantErr:    true,
			wantReason: UnknownReason,
		},
		{
			name:       "blank invoice id treated as absent",
			raw:        `{"valid": true, "reason": "ok", "data": {"invoice_id": "  "}}`,
			wantValid:  true,
			wantReason: "ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) || !errors.Is(err, model.ErrValidation) {
					t.Fatalf("err = %v, want ErrMalformed", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got.Valid != tt.wantValid {
				t.Fatalf("Valid = %v, want %v", got.Valid, tt.wantValid)
			}
			if got.Reason != tt.wantReason {
				t.Fatalf("Reason = %q, want %q", got.Reason, tt.wantReason)
			}
			if deref(got.Data.InvoiceID) != tt.wantInvoice {
				t.Fatalf("InvoiceID = %q, want %q", deref(got.Data.InvoiceID), tt.wantInvoice)
			}
			if deref(got.Data.ShopName) != tt.wantShop {
				t.Fatalf("ShopName = %q, want %q", deref(got.Data.ShopName), tt.wantShop)
			}
		})
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
