package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Options holds the adapter-specific settings of one storage target.
type Options map[string]string

// String returns the trimmed value for key, or def when unset.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// Required returns the value for key or an error naming the missing option.
func (o Options) Required(key string) (string, error) {
	v := o.String(key, "")
	if v == "" {
		return "", fmt.Errorf("option %q is required", key)
	}
	return v, nil
}

// Bool parses key as a boolean.
func (o Options) Bool(key string, def bool) (bool, error) {
	v := o.String(key, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("option %q: %w", key, err)
	}
	return b, nil
}

// Int64 parses key as a base-10 integer.
func (o Options) Int64(key string, def int64) (int64, error) {
	v := o.String(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("option %q: %w", key, err)
	}
	return n, nil
}

// Duration parses key with time.ParseDuration. A bare integer is read as
// seconds.
func (o Options) Duration(key string, def time.Duration) (time.Duration, error) {
	v := o.String(key, "")
	if v == "" {
		return def, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("option %q: %w", key, err)
	}
	return d, nil
}
