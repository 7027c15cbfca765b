package logging

import (
	"strconv"

	"github.com/fyrsmithlabs/traceway/internal/config"
	"github.com/fyrsmithlabs/traceway/internal/redact"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// Secret logs a config.Secret as its length only.
func Secret(key string, val config.Secret) zap.Field {
	return RedactedString(key, val.Value())
}

// RedactedString logs a redaction marker carrying the value's length.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// RedactingEncoder wraps a zapcore.Encoder and scrubs sensitive keys and
// values using a redact.Redactor.
type RedactingEncoder struct {
	zapcore.Encoder
	r *redact.Redactor
}

// NewRedactingEncoder wraps base. A nil redactor passes everything through.
func NewRedactingEncoder(base zapcore.Encoder, r *redact.Redactor) *RedactingEncoder {
	return &RedactingEncoder{Encoder: base, r: r}
}

// AddString redacts sensitive keys and values matching a pattern.
func (e *RedactingEncoder) AddString(key, val string) {
	if e.r.MatchKey(key) || e.r.MatchValue(val) {
		e.Encoder.AddString(key, redact.Redacted)
		return
	}
	e.Encoder.AddString(key, val)
}

// AddByteString redacts sensitive keys and values matching a pattern.
func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if e.r.MatchKey(key) || e.r.MatchValue(string(val)) {
		e.Encoder.AddString(key, redact.Redacted)
		return
	}
	e.Encoder.AddByteString(key, val)
}

// AddBinary redacts sensitive keys.
func (e *RedactingEncoder) AddBinary(key string, val []byte) {
	if e.r.MatchKey(key) {
		e.Encoder.AddString(key, redact.Redacted)
		return
	}
	e.Encoder.AddBinary(key, val)
}

// AddReflected redacts a sensitive key outright and walks the value
// otherwise.
func (e *RedactingEncoder) AddReflected(key string, val any) error {
	if e.r.MatchKey(key) {
		e.Encoder.AddString(key, redact.Redacted)
		return nil
	}
	return e.Encoder.AddReflected(key, e.r.Redact(val))
}

// AddArray redacts sensitive keys.
func (e *RedactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.r.MatchKey(key) {
		e.Encoder.AddString(key, redact.Redacted)
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

// AddObject redacts sensitive keys.
func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.r.MatchKey(key) {
		e.Encoder.AddString(key, redact.Redacted)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

// Clone copies the encoder and its accumulated fields.
func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{Encoder: e.Encoder.Clone(), r: e.r}
}

// EncodeEntry scrubs per-entry fields. The wrapped encoder adds them to its
// own clone, so they never pass through the Add methods above.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	if e.r == nil {
		return e.Encoder.EncodeEntry(ent, fields)
	}
	scrubbed := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		scrubbed[i] = e.field(f)
	}
	return e.Encoder.EncodeEntry(ent, scrubbed)
}

func (e *RedactingEncoder) field(f zapcore.Field) zapcore.Field {
	if f.Type == zapcore.SkipType {
		return f
	}
	if e.r.MatchKey(f.Key) {
		return zap.String(f.Key, redact.Redacted)
	}
	switch f.Type {
	case zapcore.StringType:
		if e.r.MatchValue(f.String) {
			return zap.String(f.Key, redact.Redacted)
		}
	case zapcore.ByteStringType:
		if b, ok := f.Interface.([]byte); ok && e.r.MatchValue(string(b)) {
			return zap.String(f.Key, redact.Redacted)
		}
	case zapcore.ReflectType:
		return zap.Reflect(f.Key, e.r.Redact(f.Interface))
	}
	return f
}
