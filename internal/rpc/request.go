package rpc

import (
	"math"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/dataplane-run/datapath/internal/errs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Error codes mirroring the JSON-RPC 2.0 reserved range plus
// SPDK_JSONRPC_ERROR_* values.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// ID is a request id, which may be a string, a number, or null/absent
// (in which case the request is a notification).
type ID struct {
	raw      jsoniter.RawMessage
	isNull   bool
	present  bool
}

func (id ID) Present() bool { return id.present && !id.isNull }

// MarshalJSON re-emits the id exactly as received (preserving whether
// the client sent a string or a number), or the JSON null literal.
func (id ID) MarshalJSON() ([]byte, error) {
	if !id.present || id.isNull {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// Request is one decoded, validated JSON-RPC request object, mirroring
// struct jsonrpc_request plus the validation parse_single_request
// performs on each field.
type Request struct {
	Method string
	Params jsoniter.RawMessage // nil if absent
	ID     ID
}

// DecodeObject validates and decodes one JSON object value (not an
// array — batches are split into individual objects by the caller)
// into a Request, mirroring parse_single_request's field-by-field
// checks: jsonrpc must be exactly "2.0", method must be a string, id
// (if present) must be string/number/null. params is kept only when it
// is an array or object; any other params value (null included) is
// skipped and the request decodes as if params were absent.
func DecodeObject(raw []byte) (Request, error) {
	iter := jsoniter.ParseBytes(json, raw)
	var req Request
	var sawVersion, sawMethod, badID bool

	iter.ReadObjectCB(func(it *jsoniter.Iterator, field string) bool {
		switch field {
		case "jsonrpc":
			v := it.ReadString()
			sawVersion = v == "2.0"
		case "method":
			if it.WhatIsNext() != jsoniter.StringValue {
				it.Skip()
				sawMethod = false
				return true
			}
			req.Method = it.ReadString()
			sawMethod = true
		case "params":
			switch it.WhatIsNext() {
			case jsoniter.ArrayValue, jsoniter.ObjectValue:
				req.Params = jsoniter.RawMessage(it.SkipAndReturnBytes())
			default:
				it.Skip()
			}
		case "id":
			switch it.WhatIsNext() {
			case jsoniter.StringValue, jsoniter.NumberValue:
				req.ID = ID{raw: jsoniter.RawMessage(it.SkipAndReturnBytes()), present: true}
			case jsoniter.NilValue:
				it.ReadNil()
				req.ID = ID{present: true, isNull: true}
			default:
				it.Skip()
				badID = true
			}
		default:
			it.Skip()
		}
		return true
	})
	if iter.Error != nil {
		return Request{}, errs.Wrap("rpc", "decode_request", errs.ErrCodeProtocolViolation, iter.Error)
	}
	if !sawVersion || !sawMethod || badID {
		return Request{}, errs.New("rpc", "decode_request", errs.ErrCodeProtocolViolation, "invalid request")
	}
	return req, nil
}

// DecodeUint32 decodes a JSON-RPC numeric parameter, treating
// exponent-form integers as valid: "1.2e1" decodes to 12, "1.2" is
// rejected (non-integral), and out-of-range values report ERANGE-style
// overflow. strconv.ParseFloat followed by an exact-integer check gives
// us this without hand-rolling exponent parsing. The range check runs
// before any conversion of f to an integer type, so an absurdly large
// literal is rejected on the float comparison alone rather than via a
// float-to-int64 conversion that is implementation-specific once f falls
// outside int64's range.
func DecodeUint32(raw jsoniter.RawMessage) (uint32, error) {
	f, err := parseNumber(raw, "decode_uint32")
	if err != nil {
		return 0, err
	}
	if f < 0 || f > float64(^uint32(0)) {
		return 0, errs.New("rpc", "decode_uint32", errs.ErrCodeInvalidArgument, "out of range (ERANGE)")
	}
	if f != float64(int64(f)) {
		return 0, errs.New("rpc", "decode_uint32", errs.ErrCodeInvalidArgument, "not an integer")
	}
	return uint32(f), nil
}

// DecodeUint64 is DecodeUint32's 64-bit counterpart, used for parameters
// like num_blocks that routinely exceed uint32's range.
func DecodeUint64(raw jsoniter.RawMessage) (uint64, error) {
	f, err := parseNumber(raw, "decode_uint64")
	if err != nil {
		return 0, err
	}
	// float64(math.MaxUint64) rounds up to 2^64, itself out of range.
	if f < 0 || f >= float64(math.MaxUint64) {
		return 0, errs.New("rpc", "decode_uint64", errs.ErrCodeInvalidArgument, "out of range (ERANGE)")
	}
	if f != math.Trunc(f) {
		return 0, errs.New("rpc", "decode_uint64", errs.ErrCodeInvalidArgument, "not an integer")
	}
	return uint64(f), nil
}

// DecodeInt32 decodes a signed 32-bit parameter, matching spec §8's
// literal boundary case: "2147483647" decodes to int32 2147483647;
// "2147483648" overflows int32 and reports ERANGE.
func DecodeInt32(raw jsoniter.RawMessage) (int32, error) {
	f, err := parseNumber(raw, "decode_int32")
	if err != nil {
		return 0, err
	}
	if f < float64(math.MinInt32) || f > float64(math.MaxInt32) {
		return 0, errs.New("rpc", "decode_int32", errs.ErrCodeInvalidArgument, "out of range (ERANGE)")
	}
	if f != float64(int64(f)) {
		return 0, errs.New("rpc", "decode_int32", errs.ErrCodeInvalidArgument, "not an integer")
	}
	return int32(f), nil
}

func parseNumber(raw jsoniter.RawMessage, op string) (float64, error) {
	s := strings.TrimSpace(string(raw))
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errs.New("rpc", op, errs.ErrCodeInvalidArgument, "not a number")
	}
	return f, nil
}

// DecodeString decodes a JSON string parameter.
func DecodeString(raw jsoniter.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", errs.Wrap("rpc", "decode_string", errs.ErrCodeInvalidArgument, err)
	}
	return s, nil
}

// DecodeFields splits a params object into its top-level fields without
// decoding their values, mirroring decode_object's field-by-field schema
// walk: callers validate required fields are present (RequireField) and
// decode each one with the decoder matching its expected type before
// touching any of it.
func DecodeFields(raw jsoniter.RawMessage) (map[string]jsoniter.RawMessage, error) {
	fields := make(map[string]jsoniter.RawMessage)
	iter := jsoniter.ParseBytes(json, raw)
	iter.ReadObjectCB(func(it *jsoniter.Iterator, field string) bool {
		fields[field] = jsoniter.RawMessage(it.SkipAndReturnBytes())
		return true
	})
	if iter.Error != nil {
		return nil, errs.Wrap("rpc", "decode_fields", errs.ErrCodeProtocolViolation, iter.Error)
	}
	return fields, nil
}

// RequireField returns fields[name], failing with ErrCodeInvalidArgument
// if absent, matching spec.md §6's "missing non-optional fields fail the
// whole decode" rule instead of silently leaving a zero value the way a
// plain json.Unmarshal into a struct would.
func RequireField(fields map[string]jsoniter.RawMessage, name string) (jsoniter.RawMessage, error) {
	v, ok := fields[name]
	if !ok {
		return nil, errs.New("rpc", "decode_object", errs.ErrCodeInvalidArgument, "missing required field: "+name)
	}
	return v, nil
}
