package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Options is a loosely typed option bag decoded from JSON config.
//
// Getters never fail: a missing key or a value of the wrong shape yields the
// supplied default. JSON numbers decode as float64, so the numeric getters
// accept both float64 and int.
type Options map[string]any

// Any returns the raw value for key, or def when absent.
func (o Options) Any(key string, def any) any {
	if o == nil {
		return def
	}
	if v, ok := o[key]; ok {
		return v
	}
	return def
}

func (o Options) String(key, def string) string {
	switch v := o.Any(key, nil).(type) {
	case string:
		return v
	case nil:
		return def
	default:
		return fmt.Sprint(v)
	}
}

func (o Options) Bool(key string, def bool) bool {
	switch v := o.Any(key, nil).(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}

func (o Options) Int(key string, def int) int {
	switch v := o.Any(key, nil).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

// Rune returns the first rune of a string option (e.g. a CSV delimiter).
// "\t" and "tab" both select a tab.
func (o Options) Rune(key string, def rune) rune {
	s, ok := o.Any(key, nil).(string)
	if !ok || s == "" {
		return def
	}
	if s == `\t` || strings.EqualFold(s, "tab") {
		return '\t'
	}
	r, _ := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return def
	}
	return r
}

// Duration accepts Go duration strings ("30s") or a number of seconds.
func (o Options) Duration(key string, def time.Duration) time.Duration {
	switch v := o.Any(key, nil).(type) {
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return def
		}
		return d
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	default:
		return def
	}
}

func (o Options) StringMap(key string) map[string]string {
	out := map[string]string{}
	switch v := o.Any(key, nil).(type) {
	case map[string]string:
		for k, s := range v {
			out[k] = s
		}
	case map[string]any:
		for k, s := range v {
			if str, ok := s.(string); ok {
				out[k] = str
			}
		}
	}
	return out
}
