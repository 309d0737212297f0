package textutil

import (
	"sort"
	"strings"
)

const (
	maxAttributes     = 16
	maxAttributeKey   = 40
	maxAttributeValue = 120
)

// CleanAttributes normalises free-form line item attributes such as size or gift message. Keys are
// lower-cased, values are stripped of markup, entries with an empty key or value are dropped and
// at most 16 entries survive, chosen by key order. It returns nil when nothing remains.
func CleanAttributes(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		k := strings.ToLower(SanitizeText(key, maxAttributeKey))
		v := SanitizeText(value, maxAttributeValue)
		if k == "" || v == "" {
			continue
		}
		result[k] = v
	}
	if len(result) > maxAttributes {
		keys := make([]string, 0, len(result))
		for k := range result {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys[maxAttributes:] {
			delete(result, k)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
