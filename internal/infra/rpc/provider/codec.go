package provider

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire names of the peer service.
const (
	ServiceName    = "courier.Peer"
	CallMethodName = "Call"
	StreamName     = "CallStream"

	CallMethod   = "/" + ServiceName + "/" + CallMethodName
	StreamMethod = "/" + ServiceName + "/" + StreamName
)

// CodecName is the content-subtype frames are encoded with.
const CodecName = "courier"

func init() {
	encoding.RegisterCodec(frameCodec{})
}

// Frames are protobuf messages on the wire:
//
//	message CallFrame {
//	  string service = 1;
//	  string operation = 2;
//	  map<string, string> headers = 3;
//	  bytes arg2 = 4;
//	  bytes arg3 = 5;
//	}
//
//	message ReplyFrame {
//	  bool ok = 1;
//	  map<string, string> headers = 2;
//	  bytes arg2 = 3;
//	  bytes arg3 = 4;
//	}

// CallFrame is the request message of both peer methods.
type CallFrame struct {
	Service   string
	Operation string
	Headers   map[string]string
	Arg2      []byte
	Arg3      []byte
}

// ReplyFrame is the unary reply. On the stream, the first frame carries OK
// and Headers and every following frame carries one chunk of Arg2 or Arg3.
type ReplyFrame struct {
	OK      bool
	Headers map[string]string
	Arg2    []byte
	Arg3    []byte
}

var errTruncated = errors.New("truncated frame")

type frameCodec struct{}

func (frameCodec) Name() string {
	return CodecName
}

func (frameCodec) Marshal(v any) ([]byte, error) {
	switch f := v.(type) {
	case *CallFrame:
		var b []byte
		b = appendString(b, 1, f.Service)
		b = appendString(b, 2, f.Operation)
		b = appendHeaders(b, 3, f.Headers)
		b = appendBytes(b, 4, f.Arg2)
		b = appendBytes(b, 5, f.Arg3)
		return b, nil
	case *ReplyFrame:
		var b []byte
		if f.OK {
			b = protowire.AppendTag(b, 1, protowire.VarintType)
			b = protowire.AppendVarint(b, 1)
		}
		b = appendHeaders(b, 2, f.Headers)
		b = appendBytes(b, 3, f.Arg2)
		b = appendBytes(b, 4, f.Arg3)
		return b, nil
	}
	return nil, fmt.Errorf("cannot encode %T", v)
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	switch f := v.(type) {
	case *CallFrame:
		*f = CallFrame{}
		return consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == 1 && typ == protowire.BytesType:
				return consumeString(b, &f.Service)
			case num == 2 && typ == protowire.BytesType:
				return consumeString(b, &f.Operation)
			case num == 3 && typ == protowire.BytesType:
				return consumeHeader(b, &f.Headers)
			case num == 4 && typ == protowire.BytesType:
				return consumeBytes(b, &f.Arg2)
			case num == 5 && typ == protowire.BytesType:
				return consumeBytes(b, &f.Arg3)
			}
			return skip(num, typ, b)
		})
	case *ReplyFrame:
		*f = ReplyFrame{}
		return consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == 1 && typ == protowire.VarintType:
				x, n := protowire.ConsumeVarint(b)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				f.OK = x != 0
				return n, nil
			case num == 2 && typ == protowire.BytesType:
				return consumeHeader(b, &f.Headers)
			case num == 3 && typ == protowire.BytesType:
				return consumeBytes(b, &f.Arg2)
			case num == 4 && typ == protowire.BytesType:
				return consumeBytes(b, &f.Arg3)
			}
			return skip(num, typ, b)
		})
	}
	return fmt.Errorf("cannot decode into %T", v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendHeaders writes one map entry message per header, in key order.
func appendHeaders(b []byte, num protowire.Number, headers map[string]string) []byte {
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendString(entry, headers[k])

		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// consumeFields calls field for every field of data. field returns how many
// bytes of the value it consumed.
func consumeFields(data []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		n, err := field(num, typ, data)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if n > len(data) {
			return errTruncated
		}
		data = data[n:]
	}
	return nil
}

func consumeString(b []byte, s *string) (int, error) {
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*s = v
	return n, nil
}

func consumeBytes(b []byte, dst *[]byte) (int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = append([]byte(nil), v...)
	return n, nil
}

func consumeHeader(b []byte, headers *map[string]string) (int, error) {
	entry, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}

	var key, value string
	err := consumeFields(entry, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &key)
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &value)
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return 0, fmt.Errorf("header: %w", err)
	}

	if *headers == nil {
		*headers = make(map[string]string)
	}
	(*headers)[key] = value
	return n, nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}
