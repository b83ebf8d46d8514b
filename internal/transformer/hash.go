package transformer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// hashSeparator is the ASCII unit separator placed between field components.
const hashSeparator = "\x1f"

// RowHash returns a lowercase hex SHA-256 over "name=value" pairs in the
// order given. Missing or nil values hash as a single NUL byte so that
// missing differs from the empty string.
func RowHash(names []string, values []any) string {
	var b strings.Builder
	b.Grow(len(names) * 24)

	for i, name := range names {
		if i > 0 {
			b.WriteString(hashSeparator)
		}
		b.WriteString(name)
		b.WriteByte('=')

		if i >= len(values) || values[i] == nil {
			b.WriteByte('\x00')
			continue
		}
		appendCanonicalValue(&b, values[i])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// appendCanonicalValue appends a stable text form of v. Numbers use the
// shortest round-trip representation, so 12.5 and float64(12.5) agree.
func appendCanonicalValue(b *strings.Builder, v any) {
	switch t := v.(type) {
	case string:
		b.WriteString(t)
	case []byte:
		b.Write(t)
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case int:
		b.WriteString(strconv.Itoa(t))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case float32:
		b.WriteString(strconv.FormatFloat(float64(t), 'g', -1, 32))
	default:
		b.WriteString(fmt.Sprint(t))
	}
}
