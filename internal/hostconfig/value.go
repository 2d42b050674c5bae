package hostconfig

import (
	"context"
	"log/slog"
	"math"
	"reflect"
	"strconv"
	"time"
)

// Value is a typed handle on one setting. It falls back to its default when
// the setting is absent or has the wrong type.
type Value[T any] struct {
	src     *Source
	section string
	key     string
	def     T
	conv    func(any) (T, bool)
}

// Int returns an integer setting.
func Int(src *Source, section, key string, def int) *Value[int] {
	return &Value[int]{src: src, section: section, key: key, def: def, conv: toInt}
}

// Duration returns a duration setting. Numbers are milliseconds; strings are
// parsed with time.ParseDuration.
func Duration(src *Source, section, key string, def time.Duration) *Value[time.Duration] {
	return &Value[time.Duration]{src: src, section: section, key: key, def: def, conv: toDuration}
}

// Strings returns a string list setting.
func Strings(src *Source, section, key string, def []string) *Value[[]string] {
	return &Value[[]string]{src: src, section: section, key: key, def: def, conv: toStrings}
}

// Name is "section.key".
func (v *Value[T]) Name() string { return v.section + "." + v.key }

// Get returns the current effective value.
func (v *Value[T]) Get() T {
	raw, ok := v.src.lookup(v.section, v.key)
	if !ok {
		return v.def
	}
	out, ok := v.conv(raw)
	if !ok {
		v.src.logger.Warn("ignoring malformed setting",
			slog.String("setting", v.Name()), slog.Any("value", raw))
		return v.def
	}
	return out
}

// Subscribe streams the value: the current value first, then each distinct
// new value. A slow reader only ever sees the latest value. The channel is
// closed when ctx is done.
func (v *Value[T]) Subscribe(ctx context.Context) <-chan T {
	out := make(chan T, 1)
	sig, unsubscribe := v.src.changes.Subscribe()

	go func() {
		defer close(out)
		defer unsubscribe()

		var last T
		first := true
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
			}

			cur := v.Get()
			if !first && reflect.DeepEqual(cur, last) {
				continue
			}
			first, last = false, cur

			// Replace a value the reader has not picked up yet.
			select {
			case <-out:
			default:
			}
			out <- cur
		}
	}()
	return out
}

func toInt(raw any) (int, bool) {
	switch n := raw.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

func toDuration(raw any) (time.Duration, bool) {
	switch n := raw.(type) {
	case string:
		d, err := time.ParseDuration(n)
		return d, err == nil && d >= 0
	case time.Duration:
		return n, true
	}
	ms, ok := toInt(raw)
	if !ok || ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func toStrings(raw any) ([]string, bool) {
	switch list := raw.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
