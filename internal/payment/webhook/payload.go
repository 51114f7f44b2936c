package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"mime"
	"net/url"
	"strconv"
	"strings"
)

var errEmptyPayload = errors.New("empty webhook payload")

// payload is a flattened webhook body. Fields holds top-level scalars as
// strings, which is what both signature schemes operate on.
type payload struct {
	Fields    map[string]string
	InvoiceID string
	Reference string
	Status    string
}

func parsePayload(contentType string, body []byte) (payload, error) {
	var p payload
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return p, errEmptyPayload
	}

	var (
		fields  map[string]string
		details map[string]any
		err     error
	)
	if isJSON(contentType, body) {
		fields, details, err = parseJSON(body)
	} else {
		fields, err = parseForm(body)
	}
	if err != nil {
		return p, err
	}

	p.Fields = fields
	p.InvoiceID = fields["invoice_id"]
	if p.InvoiceID == "" && details != nil {
		p.InvoiceID = scalar(details["invoice_id"])
	}
	if p.InvoiceID == "" {
		p.InvoiceID = fields["details[invoice_id]"]
	}
	for _, key := range []string{"uuid", "payment_uuid", "transaction_id"} {
		if v := fields[key]; v != "" {
			p.Reference = v
			break
		}
	}
	p.Status = strings.ToLower(fields["status"])
	return p, nil
}

func isJSON(contentType string, body []byte) bool {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") {
			return true
		}
		if mediaType == "application/x-www-form-urlencoded" {
			return false
		}
	}
	return body[0] == '{'
}

func parseJSON(body []byte) (map[string]string, map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, err
	}

	fields := make(map[string]string, len(doc))
	for key, value := range doc {
		if s := scalar(value); s != "" {
			fields[key] = s
		}
	}
	details, _ := doc["details"].(map[string]any)
	return fields, details, nil
}

func parseForm(body []byte) (map[string]string, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(values))
	for key := range values {
		if v := strings.TrimSpace(values.Get(key)); v != "" {
			fields[key] = v
		}
	}
	return fields, nil
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
