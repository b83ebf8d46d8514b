package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// NormalizeKey renders a dedupe-key cell as a canonical string so rows built
// from different Go types ("KEN" vs []byte("KEN"), int vs int64) collapse to
// the same key. nil renders as "" and cannot be told apart from an empty
// string.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
