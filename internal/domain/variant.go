package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// VariantType discriminates the payload carried by a Variant.
type VariantType uint8

const (
	VariantNull VariantType = iota
	VariantBoolean
	VariantInt64
	VariantUInt64
	VariantDouble
	VariantString
	VariantByteString
	VariantDateTime
	VariantStatusCode
)

var variantTypeNames = [...]string{
	VariantNull:       "null",
	VariantBoolean:    "boolean",
	VariantInt64:      "int64",
	VariantUInt64:     "uint64",
	VariantDouble:     "double",
	VariantString:     "string",
	VariantByteString: "bytestring",
	VariantDateTime:   "datetime",
	VariantStatusCode: "statuscode",
}

func (t VariantType) String() string {
	if int(t) < len(variantTypeNames) {
		return variantTypeNames[t]
	}
	return fmt.Sprintf("variant(%d)", uint8(t))
}

// ParseVariantType is the inverse of VariantType.String.
func ParseVariantType(s string) (VariantType, error) {
	for i, name := range variantTypeNames {
		if name == s {
			return VariantType(i), nil
		}
	}
	return VariantNull, fmt.Errorf("unknown variant type %q", s)
}

// Variant is a tagged union over the scalar types a data point can carry.
// It is serialized as an explicit (type, payload) pair so decoding never
// depends on reflection over Go type names.
type Variant struct {
	Type  VariantType
	Value any
}

// NewVariant wraps a Go scalar. Unsupported types are rendered as strings.
func NewVariant(v any) Variant {
	switch x := v.(type) {
	case nil:
		return Variant{}
	case Variant:
		return x
	case bool:
		return Variant{Type: VariantBoolean, Value: x}
	case int:
		return Variant{Type: VariantInt64, Value: int64(x)}
	case int8:
		return Variant{Type: VariantInt64, Value: int64(x)}
	case int16:
		return Variant{Type: VariantInt64, Value: int64(x)}
	case int32:
		return Variant{Type: VariantInt64, Value: int64(x)}
	case int64:
		return Variant{Type: VariantInt64, Value: x}
	case uint:
		return Variant{Type: VariantUInt64, Value: uint64(x)}
	case uint8:
		return Variant{Type: VariantUInt64, Value: uint64(x)}
	case uint16:
		return Variant{Type: VariantUInt64, Value: uint64(x)}
	case uint32:
		return Variant{Type: VariantUInt64, Value: uint64(x)}
	case uint64:
		return Variant{Type: VariantUInt64, Value: x}
	case float32:
		return Variant{Type: VariantDouble, Value: float64(x)}
	case float64:
		return Variant{Type: VariantDouble, Value: x}
	case string:
		return Variant{Type: VariantString, Value: x}
	case []byte:
		return Variant{Type: VariantByteString, Value: bytes.Clone(x)}
	case time.Time:
		return Variant{Type: VariantDateTime, Value: x.UTC()}
	case StatusCode:
		return Variant{Type: VariantStatusCode, Value: x}
	default:
		return Variant{Type: VariantString, Value: fmt.Sprint(x)}
	}
}

func (v Variant) IsNull() bool { return v.Type == VariantNull }

// Float64 returns the numeric value for deadband evaluation.
func (v Variant) Float64() (float64, bool) {
	switch x := v.Value.(type) {
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

func (v Variant) Equal(o Variant) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case VariantNull:
		return true
	case VariantByteString:
		a, _ := v.Value.([]byte)
		b, _ := o.Value.([]byte)
		return bytes.Equal(a, b)
	case VariantDateTime:
		a, _ := v.Value.(time.Time)
		b, _ := o.Value.(time.Time)
		return a.Equal(b)
	default:
		return v.Value == o.Value
	}
}

// dateTimeWire keeps the full time.Time range; nanoseconds since the epoch
// only cover the years 1678 to 2262.
type dateTimeWire struct {
	_    struct{} `cbor:",toarray"`
	Sec  int64
	Nsec int64
}

type variantWire struct {
	_    struct{} `cbor:",toarray"`
	Type VariantType
	Body cbor.RawMessage
}

func (v Variant) MarshalCBOR() ([]byte, error) {
	w := variantWire{Type: v.Type}
	if v.Type != VariantNull {
		payload := v.Value
		if v.Type == VariantDateTime {
			t, ok := v.Value.(time.Time)
			if !ok {
				return nil, fmt.Errorf("datetime variant holds %T", v.Value)
			}
			payload = dateTimeWire{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
		}
		body, err := cbor.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s variant: %w", v.Type, err)
		}
		w.Body = body
	}
	return cbor.Marshal(w)
}

func (v *Variant) UnmarshalCBOR(data []byte) error {
	var w variantWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode variant: %w", err)
	}
	value, err := decodeVariantBody(w.Type, w.Body, cbor.Unmarshal)
	if err != nil {
		return err
	}
	*v = Variant{Type: w.Type, Value: value}
	return nil
}

type variantJSON struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (v Variant) MarshalJSON() ([]byte, error) {
	var body []byte
	if v.Type != VariantNull {
		var err error
		if body, err = json.Marshal(v.Value); err != nil {
			return nil, err
		}
	}
	return json.Marshal(variantJSON{Type: v.Type.String(), Value: body})
}

func (v *Variant) UnmarshalJSON(data []byte) error {
	var w variantJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t, err := ParseVariantType(w.Type)
	if err != nil {
		return err
	}
	if t == VariantDateTime {
		var ts time.Time
		if err := json.Unmarshal(w.Value, &ts); err != nil {
			return fmt.Errorf("decode datetime variant: %w", err)
		}
		*v = Variant{Type: t, Value: ts.UTC()}
		return nil
	}
	value, err := decodeVariantBody(t, w.Value, json.Unmarshal)
	if err != nil {
		return err
	}
	*v = Variant{Type: t, Value: value}
	return nil
}

func decodeVariantBody(t VariantType, body []byte, unmarshal func([]byte, any) error) (any, error) {
	switch t {
	case VariantNull:
		return nil, nil
	case VariantBoolean:
		return decodeAs[bool](body, unmarshal)
	case VariantInt64:
		return decodeAs[int64](body, unmarshal)
	case VariantUInt64:
		return decodeAs[uint64](body, unmarshal)
	case VariantDouble:
		return decodeAs[float64](body, unmarshal)
	case VariantString:
		return decodeAs[string](body, unmarshal)
	case VariantByteString:
		return decodeAs[[]byte](body, unmarshal)
	case VariantDateTime:
		dt, err := decodeAs[dateTimeWire](body, unmarshal)
		if err != nil {
			return nil, err
		}
		w := dt.(dateTimeWire)
		return time.Unix(w.Sec, w.Nsec).UTC(), nil
	case VariantStatusCode:
		return decodeAs[StatusCode](body, unmarshal)
	default:
		return nil, fmt.Errorf("unknown variant type %d", uint8(t))
	}
}

func decodeAs[T any](body []byte, unmarshal func([]byte, any) error) (any, error) {
	var out T
	if err := unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode %T variant: %w", out, err)
	}
	return out, nil
}
