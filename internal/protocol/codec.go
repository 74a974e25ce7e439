package protocol

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"

	"sdkrouter/internal/model"
)

const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// Codec turns frames into websocket payloads and back.
type Codec interface {
	Name() string
	MessageType() int
	Encode(frame Frame) ([]byte, error)
	Decode(payload []byte) (Frame, error)
}

func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecJSON:
		return JSONCodec{}, nil
	case CodecMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, errors.Errorf("unsupported codec %q", name)
	}
}

type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) MessageType() int { return websocket.TextMessage }

func (JSONCodec) Encode(frame Frame) ([]byte, error) {
	body, err := json.Marshal(frame)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s frame", frame.Type)
	}
	return body, nil
}

func (JSONCodec) Decode(payload []byte) (Frame, error) {
	var frame Frame
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&frame); err != nil {
		return Frame{}, model.WrapError(model.CodeProtocolError, errors.Wrap(err, "decode json frame"), "malformed frame")
	}
	if frame.Args != nil {
		frame.Args = normalizeNumbers(frame.Args).(map[string]any)
	}
	if err := Validate(&frame); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return CodecMsgpack }

func (MsgpackCodec) MessageType() int { return websocket.BinaryMessage }

func (MsgpackCodec) Encode(frame Frame) ([]byte, error) {
	body, err := msgpack.Marshal(&frame)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s frame", frame.Type)
	}
	return body, nil
}

func (MsgpackCodec) Decode(payload []byte) (Frame, error) {
	var frame Frame
	if err := msgpack.Unmarshal(payload, &frame); err != nil {
		return Frame{}, model.WrapError(model.CodeProtocolError, errors.Wrap(err, "decode msgpack frame"), "malformed frame")
	}
	if err := Validate(&frame); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

// normalizeNumbers replaces json.Number values with int64 when integral and
// float64 otherwise, so args keep numeric types when re-encoded as msgpack.
func normalizeNumbers(value any) any {
	switch v := value.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case map[string]any:
		for key, item := range v {
			v[key] = normalizeNumbers(item)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = normalizeNumbers(item)
		}
		return v
	default:
		return value
	}
}
