package schema

import (
	"encoding/binary"
	"math"

	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"

	"github.com/stratadb/strata/strata_errors"
)

// Enum is the store-native form of an enum constant. Migration
// snapshots keep both the name and the ordinal so an old value
// survives redefinition of the enum in a later schema.
type Enum struct {
	Name    string
	Ordinal int32
}

// Coerce normalizes a caller-supplied value to the store-native type
// for the encoding: int64, float64, string, bool, []byte, ObjId, Enum.
func Coerce(enc Encoding, v any) (any, error) {
	switch enc {
	case EncInt:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case uint32:
			return int64(n), nil
		}
	case EncFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case EncString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case EncBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case EncBytes:
		if b, ok := v.([]byte); ok {
			return b, nil
		}
	case EncRef:
		if id, ok := v.(ObjId); ok {
			return id, nil
		}
	case EncEnum:
		if e, ok := v.(Enum); ok {
			return e, nil
		}
	}
	return nil, errors.Wrapf(strata_errors.ErrBadValue, "%T for encoding %c", v, enc)
}

// ZeroValue is the default a freshly created object's field reads as.
func ZeroValue(enc Encoding) any {
	switch enc {
	case EncInt:
		return int64(0)
	case EncFloat:
		return float64(0)
	case EncString:
		return ""
	case EncBool:
		return false
	case EncBytes:
		return []byte(nil)
	case EncRef:
		return ObjIdNil
	case EncEnum:
		return Enum{}
	}
	return nil
}

// ValueTLV encodes a store-native value as a single TLV record.
func ValueTLV(enc Encoding, v any) ([]byte, error) {
	v, err := Coerce(enc, v)
	if err != nil {
		return nil, err
	}
	switch enc {
	case EncInt:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.(int64)))
		return toytlv.Record('I', b[:]), nil
	case EncFloat:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.(float64)))
		return toytlv.Record('F', b[:]), nil
	case EncString:
		return toytlv.Record('S', []byte(v.(string))), nil
	case EncBool:
		b := []byte{0}
		if v.(bool) {
			b[0] = 1
		}
		return toytlv.Record('B', b), nil
	case EncBytes:
		return toytlv.Record('X', v.([]byte)), nil
	case EncRef:
		return toytlv.Record('R', v.(ObjId).Bytes()), nil
	case EncEnum:
		e := v.(Enum)
		var ord [4]byte
		binary.BigEndian.PutUint32(ord[:], uint32(e.Ordinal))
		return toytlv.Record('E', append(ord[:], e.Name...)), nil
	}
	return nil, strata_errors.ErrBadValue
}

func valueLit(enc Encoding) byte {
	switch enc {
	case EncInt:
		return 'I'
	case EncFloat:
		return 'F'
	case EncString:
		return 'S'
	case EncBool:
		return 'B'
	case EncBytes:
		return 'X'
	case EncRef:
		return 'R'
	case EncEnum:
		return 'E'
	}
	return 0
}

// ValueFromTLV is the inverse of ValueTLV.
func ValueFromTLV(enc Encoding, tlv []byte) (any, error) {
	v, _, err := TakeValue(enc, tlv)
	return v, err
}

// TakeValue decodes the leading TLV record and returns the remainder,
// so records can be concatenated (a map entry stores key then value).
func TakeValue(enc Encoding, tlv []byte) (any, []byte, error) {
	if len(tlv) == 0 {
		return ZeroValue(enc), nil, nil
	}
	lit := valueLit(enc)
	if lit == 0 {
		return nil, nil, strata_errors.ErrBadValue
	}
	body, rest := toytlv.Take(lit, tlv)
	if body == nil {
		return nil, nil, strata_errors.ErrBadValue
	}
	switch enc {
	case EncInt:
		if len(body) != 8 {
			return nil, nil, strata_errors.ErrBadValue
		}
		return int64(binary.BigEndian.Uint64(body)), rest, nil
	case EncFloat:
		if len(body) != 8 {
			return nil, nil, strata_errors.ErrBadValue
		}
		return math.Float64frombits(binary.BigEndian.Uint64(body)), rest, nil
	case EncString:
		return string(body), rest, nil
	case EncBool:
		return len(body) == 1 && body[0] == 1, rest, nil
	case EncBytes:
		cp := make([]byte, len(body))
		copy(cp, body)
		return cp, rest, nil
	case EncRef:
		return ObjIdFromBytes(body), rest, nil
	case EncEnum:
		if len(body) < 4 {
			return nil, nil, strata_errors.ErrBadValue
		}
		return Enum{
			Ordinal: int32(binary.BigEndian.Uint32(body[:4])),
			Name:    string(body[4:]),
		}, rest, nil
	}
	return nil, nil, strata_errors.ErrBadValue
}

// IndexKey produces the order-preserving, prefix-free key form of a
// value, so that a byte-wise scan of index entries sorts by value.
// Variable-length encodings escape NUL (00 -> 00 ff) and close with a
// 00 01 terminator, keeping one value's key from prefixing another's.
func IndexKey(enc Encoding, v any) ([]byte, error) {
	v, err := Coerce(enc, v)
	if err != nil {
		return nil, err
	}
	switch enc {
	case EncInt:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.(int64))^(1<<63))
		return b[:], nil
	case EncFloat:
		bits := math.Float64bits(v.(float64))
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], bits)
		return b[:], nil
	case EncString:
		return escapeKey([]byte(v.(string))), nil
	case EncBytes:
		return escapeKey(v.([]byte)), nil
	case EncBool:
		if v.(bool) {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case EncRef:
		return v.(ObjId).Bytes(), nil
	case EncEnum:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(v.(Enum).Ordinal))
		return b[:], nil
	}
	return nil, strata_errors.ErrBadValue
}

func escapeKey(val []byte) (key []byte) {
	key = make([]byte, 0, len(val)+2)
	for _, b := range val {
		if b == 0 {
			key = append(key, 0, 0xff)
		} else {
			key = append(key, b)
		}
	}
	return append(key, 0, 1)
}

// IndexKeyTail splits an index key into the value part and whatever
// follows it (the object id and, for collections, the position column).
func IndexKeyTail(enc Encoding, key []byte) (val, rest []byte, err error) {
	switch enc {
	case EncInt, EncFloat, EncRef:
		if len(key) < 8 {
			return nil, nil, strata_errors.ErrBadValue
		}
		return key[:8], key[8:], nil
	case EncBool:
		if len(key) < 1 {
			return nil, nil, strata_errors.ErrBadValue
		}
		return key[:1], key[1:], nil
	case EncEnum:
		if len(key) < 4 {
			return nil, nil, strata_errors.ErrBadValue
		}
		return key[:4], key[4:], nil
	case EncString, EncBytes:
		for i := 0; i+1 < len(key); i++ {
			if key[i] == 0 {
				if key[i+1] == 1 {
					return key[:i+2], key[i+2:], nil
				}
				i++ // escaped NUL
			}
		}
		return nil, nil, strata_errors.ErrBadValue
	}
	return nil, nil, strata_errors.ErrBadValue
}
