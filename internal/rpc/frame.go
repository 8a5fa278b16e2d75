// Package rpc implements the streaming JSON-RPC 2.0 server: a framer
// that finds one complete top-level JSON value in a connection's
// buffered bytes, a request decoder matching the jsonrpc_request field
// validation in lib/jsonrpc/jsonrpc_server.c's parse_single_request, and
// a method dispatch table. Framing is a hand-written byte scanner
// (NextValue) that only finds where one value ends; extracting field
// values from that value is a second pass done with json-iterator/go's
// Iterator.
package rpc

import (
	"errors"
)

// ErrIncomplete is returned by NextValue when buf holds the prefix of a
// JSON value but not all of it yet, telling the caller to keep
// buffering instead of failing the connection.
var ErrIncomplete = errors.New("rpc: incomplete json value")

// NextValue scans buf for one complete, syntactically balanced
// top-level JSON value (object, array, string, number, or literal),
// respecting quoted-string escaping so braces/brackets inside strings
// don't confuse the depth count. It returns the byte length of that
// value on success, ErrIncomplete if buf is a valid but truncated
// prefix, or a syntax error if buf can never become valid JSON no
// matter what bytes follow.
//
// This is framing only — it never inspects field semantics. The
// resulting slice is handed to json-iterator's Iterator for actual
// decoding, mirroring the server's read-then-parse split: this package
// decides "do we have one request yet", jsoniter decides "what does it
// say".
func NextValue(buf []byte) (int, error) {
	i := skipWhitespace(buf, 0)
	if i >= len(buf) {
		return 0, ErrIncomplete
	}

	switch buf[i] {
	case '{', '[':
		return scanContainer(buf, i)
	case '"':
		end, err := scanString(buf, i)
		if err != nil {
			return 0, err
		}
		return end, nil
	default:
		return scanLiteralOrNumber(buf, i)
	}
}

func skipWhitespace(buf []byte, i int) int {
	for i < len(buf) {
		switch buf[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}

var errSyntax = errors.New("rpc: invalid json syntax")

func scanContainer(buf []byte, start int) (int, error) {
	open := buf[start]
	closeByte := byte('}')
	if open == '[' {
		closeByte = ']'
	}
	depth := 0
	i := start
	for i < len(buf) {
		c := buf[i]
		switch {
		case c == '"':
			end, err := scanString(buf, i)
			if err != nil {
				if errors.Is(err, ErrIncomplete) {
					return 0, ErrIncomplete
				}
				return 0, err
			}
			i = end
			continue
		case c == open:
			depth++
		case c == closeByte:
			depth--
			if depth == 0 {
				return i + 1, nil
			}
			if depth < 0 {
				return 0, errSyntax
			}
		}
		i++
	}
	return 0, ErrIncomplete
}

func scanString(buf []byte, start int) (int, error) {
	i := start + 1
	for i < len(buf) {
		switch buf[i] {
		case '\\':
			i += 2
			continue
		case '"':
			return i + 1, nil
		}
		i++
	}
	return 0, ErrIncomplete
}

func scanLiteralOrNumber(buf []byte, start int) (int, error) {
	i := start
	for i < len(buf) {
		switch buf[i] {
		case ' ', '\t', '\n', '\r', ',', ']', '}':
			if i == start {
				return 0, errSyntax
			}
			return i, nil
		}
		i++
	}
	// Ran off the end of buf without a delimiter: this may be a
	// complete top-level scalar (the framer is fed one full message at
	// a time over a stream with no trailing delimiter) or a truncated
	// one. Callers retry with more data if this value doesn't decode;
	// since bare top-level scalars aren't valid JSON-RPC requests
	// anyway, treat end-of-buffer as complete.
	if i == start {
		return 0, errSyntax
	}
	return i, nil
}
