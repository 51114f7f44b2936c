package tracing

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// sensitiveKeys never reach a span: gateway credentials, bearer tokens and
// webhook signatures.
var sensitiveKeys = []string{
	"secret",
	"token",
	"password",
	"authorization",
	"sign",
}

// SafeAttributes drops attributes whose key looks sensitive.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	kept := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if !sensitive(string(attr.Key)) {
			kept = append(kept, attr)
		}
	}
	return kept
}

// SafeError keeps only the error's type. Gateway errors embed response
// bodies, which must not be exported.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%T", err)
}

func sensitive(key string) bool {
	key = strings.ToLower(key)
	for _, needle := range sensitiveKeys {
		if strings.Contains(key, needle) {
			return true
		}
	}
	return false
}
