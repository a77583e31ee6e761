// Package codec serializes queue batches, queue snapshots and stored
// subscriptions as CBOR, optionally zstd-compressed.
package codec

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/notifyhub/durable-subscriptions/internal/domain"
)

// Compression selects how Encode frames its output. The first byte of every
// encoded artifact records the choice so Decode needs no configuration.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression accepts "none", "" or "zstd".
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

var ErrCorrupt = errors.New("codec: artifact is empty or has an unknown header")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
	zenc    *zstd.Encoder
	zdec    *zstd.Decoder
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Lenient so artifacts written by newer builds still load.
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}

	zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
	}
	zdec, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
	}
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encode marshals v and frames it with a one-byte compression header.
func Encode(v any, c Compression) ([]byte, error) {
	body, err := encMode.Marshal(v)
	if err != nil {
		return nil, err
	}
	switch c {
	case CompressionNone:
		return append([]byte{byte(CompressionNone)}, body...), nil
	case CompressionZstd:
		return zenc.EncodeAll(body, []byte{byte(CompressionZstd)}), nil
	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}
}

// Decode reverses Encode.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return ErrCorrupt
	}
	body := data[1:]
	switch Compression(data[0]) {
	case CompressionNone:
	case CompressionZstd:
		var err error
		if body, err = zdec.DecodeAll(body, nil); err != nil {
			return fmt.Errorf("decompress: %w", err)
		}
	default:
		return ErrCorrupt
	}
	return decMode.Unmarshal(body, v)
}

type envelope struct {
	_       struct{} `cbor:",toarray"`
	Kind    domain.NotificationKind
	Payload cbor.RawMessage
}

// EncodeNotifications writes a batch as a list of (kind, payload) pairs.
func EncodeNotifications(values []domain.Notification, c Compression) ([]byte, error) {
	envs := make([]envelope, len(values))
	for i, n := range values {
		payload, err := encMode.Marshal(n)
		if err != nil {
			return nil, fmt.Errorf("encode %s notification %d: %w", n.Kind(), i, err)
		}
		envs[i] = envelope{Kind: n.Kind(), Payload: payload}
	}
	return Encode(envs, c)
}

// DecodeNotifications reverses EncodeNotifications.
func DecodeNotifications(data []byte) ([]domain.Notification, error) {
	var envs []envelope
	if err := Decode(data, &envs); err != nil {
		return nil, err
	}
	out := make([]domain.Notification, len(envs))
	for i, env := range envs {
		switch env.Kind {
		case domain.KindDataChange:
			var dc domain.DataChange
			if err := decMode.Unmarshal(env.Payload, &dc); err != nil {
				return nil, fmt.Errorf("decode data change %d: %w", i, err)
			}
			out[i] = dc
		case domain.KindEvent:
			var ev domain.EventNotification
			if err := decMode.Unmarshal(env.Payload, &ev); err != nil {
				return nil, fmt.Errorf("decode event %d: %w", i, err)
			}
			out[i] = ev
		default:
			return nil, fmt.Errorf("notification %d: unknown kind %d", i, env.Kind)
		}
	}
	return out, nil
}
