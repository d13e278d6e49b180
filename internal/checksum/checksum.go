// Package checksum computes the content hash stored on mirrored documents as
// SyncChecksum. The canonical form is sorted-key JSON with ", " and ": "
// separators and ASCII-escaped strings, which keeps hashes stable across the
// existing mirror.
package checksum

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
	"unicode/utf16"
)

const (
	FieldChecksum  = "SyncChecksum"
	FieldTimestamp = "SyncTimestamp"
)

// Checksum returns the hex MD5 of the canonical encoding of record, ignoring
// the volatile sync metadata fields.
func Checksum(record map[string]any) string {
	sum := md5.Sum(Canonical(record))
	return hex.EncodeToString(sum[:])
}

// Canonical renders record without the sync metadata fields.
func Canonical(record map[string]any) []byte {
	trimmed := make(map[string]any, len(record))
	for k, v := range record {
		if k == FieldChecksum || k == FieldTimestamp {
			continue
		}
		trimmed[k] = v
	}
	var buf bytes.Buffer
	encode(&buf, trimmed)
	return buf.Bytes()
}

func encode(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeString(buf, t)
	case json.Number:
		buf.WriteString(t.String())
	case int:
		buf.WriteString(strconv.Itoa(t))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case float32:
		writeFloat(buf, float64(t))
	case float64:
		writeFloat(buf, t)
	case time.Time:
		writeString(buf, t.Format(time.RFC3339Nano))
	case *time.Time:
		if t == nil {
			buf.WriteString("null")
			return
		}
		writeString(buf, t.Format(time.RFC3339Nano))
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(", ")
			}
			writeString(buf, k)
			buf.WriteString(": ")
			encode(buf, t[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteString(", ")
			}
			encode(buf, item)
		}
		buf.WriteByte(']')
	default:
		encode(buf, normalize(v))
	}
}

// normalize routes typed values through encoding/json so they reach encode as
// generic maps and slices.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return string(raw)
	}
	return out
}

// writeFloat mirrors the shortest round-trip float repr, keeping a trailing
// ".0" on integral values.
func writeFloat(buf *bytes.Buffer, f float64) {
	switch {
	case math.IsNaN(f):
		buf.WriteString("NaN")
		return
	case math.IsInf(f, 1):
		buf.WriteString("Infinity")
		return
	case math.IsInf(f, -1):
		buf.WriteString("-Infinity")
		return
	}
	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		buf.WriteString(strconv.FormatFloat(f, 'e', -1, 64))
		return
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	buf.WriteString(s)
	if !bytes.ContainsAny([]byte(s), ".e") {
		buf.WriteString(".0")
	}
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			switch {
			case r < 0x20 || (r >= 0x7f && r <= 0xffff):
				fmt.Fprintf(buf, `\u%04x`, r)
			case r > 0xffff:
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
			default:
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
