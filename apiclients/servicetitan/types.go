package servicetitan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Invoice is a raw invoice record as received from the invoices endpoint. The shape
// beyond a handful of fields is not fixed upstream, so records are kept as decoded
// JSON objects. Numbers are held as json.Number so that large ids survive intact.
type Invoice map[string]any

// InvoicesResponse is the top-level envelope of a page of the invoices listing.
type InvoicesResponse struct {
	Page       int       `json:"page"`
	PageSize   int       `json:"pageSize"`
	TotalCount *int      `json:"totalCount"`
	HasMore    bool      `json:"hasMore"`
	Data       []Invoice `json:"-"`
	// Skipped counts items in data which were not JSON objects.
	Skipped int `json:"-"`
}

// errDataNotList reports a response where "data" is present but is not an array.
var errDataNotList = errors.New("unexpected payload shape: 'data' is not a list")

// UnmarshalJSON implements the json.Unmarshaler interface for an InvoicesResponse,
// decoding each item of "data" separately so that non-object items can be skipped
// rather than failing the page.
func (ir *InvoicesResponse) UnmarshalJSON(data []byte) error {

	// type alias to stop recursion.
	type Alias InvoicesResponse

	helper := &struct {
		*Alias
		Data json.RawMessage `json:"data"`
	}{
		Alias: (*Alias)(ir),
	}
	if err := json.Unmarshal(data, &helper); err != nil {
		return err
	}

	// A missing or null "data" is treated as an empty page.
	raw := bytes.TrimSpace(helper.Data)
	if len(raw) == 0 || string(raw) == "null" {
		ir.Data = nil
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return errDataNotList
	}

	ir.Data = make([]Invoice, 0, len(items))
	ir.Skipped = 0
	for _, item := range items {
		if !bytes.HasPrefix(bytes.TrimSpace(item), []byte("{")) {
			ir.Skipped++
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(item))
		dec.UseNumber()
		var inv Invoice
		if err := dec.Decode(&inv); err != nil {
			return fmt.Errorf("failed to decode invoice: %w", err)
		}
		ir.Data = append(ir.Data, inv)
	}
	return nil
}

// invoicesQuery holds the query parameters for the invoices listing.
type invoicesQuery struct {
	UpdatedSince string `url:"updatedSince,omitempty"`
	Page         int    `url:"Page"`
	PageSize     int    `url:"PageSize"`
}

// FormatTime formats t as the UTC ISO-8601 timestamp used for `updatedSince`.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// ID returns a loggable identifier for the invoice, or "?" if none is present.
func (inv Invoice) ID() string {
	for _, key := range []string{"id", "invoiceId", "invoice_id"} {
		if v, ok := inv[key]; ok && v != nil {
			return strings.TrimSpace(fmt.Sprint(v))
		}
	}
	return "?"
}
