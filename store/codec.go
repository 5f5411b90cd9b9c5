package store

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"
	"unicode/utf8"
)

// TimestampLayout is a fixed-width UTC layout, so stored timestamps sort
// lexically in chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// FormatTimestamp renders t with TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp reverses FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// EncodeState serializes an opaque state value. Strings that are not valid
// UTF-8 are rejected, since encoding/json would replace their bytes.
func EncodeState(state any) (json.RawMessage, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := checkUTF8(reflect.ValueOf(state), "$", data); err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return data, nil
}

// EncodeMetadata serializes metadata. A nil map encodes to nil, which
// adapters store as NULL or leave absent.
func EncodeMetadata(metadata map[string]any) (json.RawMessage, error) {
	if metadata == nil {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := checkUTF8(reflect.ValueOf(metadata), "$", data); err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}

var (
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
)

// checkUTF8 walks v, which json.Marshal has already accepted, and reports the
// first string or map key that is not valid UTF-8. Values with their own
// marshalers are covered by checking the encoded bytes.
func checkUTF8(v reflect.Value, path string, encoded []byte) error {
	if !utf8.Valid(encoded) {
		return fmt.Errorf("encoded value is not valid UTF-8")
	}
	return walkUTF8(v, path)
}

func walkUTF8(v reflect.Value, path string) error {
	if !v.IsValid() {
		return nil
	}
	if t := v.Type(); t.Implements(jsonMarshalerType) || t.Implements(textMarshalerType) {
		return nil
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return walkUTF8(v.Elem(), path)
	case reflect.String:
		if !utf8.ValidString(v.String()) {
			return fmt.Errorf("string at %s is not valid UTF-8", path)
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			key := iter.Key()
			if key.Kind() == reflect.String && !utf8.ValidString(key.String()) {
				return fmt.Errorf("map key at %s is not valid UTF-8", path)
			}
			if err := walkUTF8(iter.Value(), fmt.Sprintf("%s[%v]", path, key)); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return nil // base64
		}
		for i := range v.Len() {
			if err := walkUTF8(v.Index(i), fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			if !t.Field(i).IsExported() {
				continue
			}
			if err := walkUTF8(v.Field(i), path+"."+t.Field(i).Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// DecodeMetadata reverses EncodeMetadata. Empty input and JSON null decode to nil.
func DecodeMetadata(data []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal(trimmed, &metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return metadata, nil
}

// Newer reports whether a sorts before b in newest-first order: later
// CreatedAt first, ties broken by the larger CheckpointID.
func Newer(a, b *StateDocument) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.CheckpointID > b.CheckpointID
}

// SortNewestFirst orders docs the way every adapter returns them.
func SortNewestFirst(docs []*StateDocument) {
	sort.SliceStable(docs, func(i, j int) bool {
		return Newer(docs[i], docs[j])
	})
}
