package monitor

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/pxs-lab/experimenter/internal/model"
)

// Format renders a record payload as a single text line. Flat maps become
// "key:value; key:value", a top level map holding nested values is printed
// as indented JSON.
func Format(payload any) string {
	return format(payload, 0)
}

func format(v any, depth int) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'f', 5, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', 5, 32)
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]string, rv.Len())
		for i := range items {
			items[i] = format(rv.Index(i).Interface(), depth+1)
		}
		return "[" + strings.Join(items, "; ") + "]"
	case reflect.Map:
		if depth == 0 && hasNested(rv) {
			if b, err := json.MarshalIndent(v, "", "  "); err == nil {
				return string(b)
			}
		}
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%v:%s", k.Interface(), format(rv.MapIndex(k).Interface(), depth+1)))
		}
		return strings.Join(parts, "; ")
	case reflect.Pointer:
		if rv.IsNil() {
			return "null"
		}
		return format(rv.Elem().Interface(), depth)
	}
	return fmt.Sprint(v)
}

func hasNested(rv reflect.Value) bool {
	iter := rv.MapRange()
	for iter.Next() {
		val := iter.Value()
		for val.Kind() == reflect.Interface && !val.IsNil() {
			val = val.Elem()
		}
		switch val.Kind() {
		case reflect.Map, reflect.Slice, reflect.Array:
			if val.Type().Elem().Kind() != reflect.Uint8 {
				return true
			}
		}
	}
	return false
}

// line renders rec the way plain-text sinks write it: stream lines go out
// verbatim, anything else gets its level prefix and a newline.
func line(rec model.Record) string {
	text := rec.Level.Prefix() + Format(rec.Payload)
	if rec.Level.IsStream() {
		return text
	}
	return text + "\n"
}
