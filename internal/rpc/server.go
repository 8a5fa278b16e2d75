package rpc

import (
	"bytes"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/dataplane-run/datapath/internal/errs"
)

// HandlerFunc processes one decoded request's params and returns either
// a result value (marshaled into the response) or an error.
type HandlerFunc func(params jsoniter.RawMessage) (result any, err *MethodError)

// MethodError is an application-level JSON-RPC error a handler reports
// via its return value, as opposed to a framing/decode failure the
// server detects itself.
type MethodError struct {
	Code    int
	Message string
}

// Server holds the method dispatch table, mirroring the handler table
// method dispatch consults by method name.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewServer creates an empty dispatch table.
func NewServer() *Server {
	return &Server{handlers: make(map[string]HandlerFunc)}
}

// Register binds method to fn, mirroring spdk_jsonrpc_server_add_method.
func (s *Server) Register(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

func (s *Server) lookup(method string) (HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.handlers[method]
	return fn, ok
}

// response is the on-wire shape of one JSON-RPC 2.0 response object.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *errorObj       `json:"error,omitempty"`
	ID      jsoniter.RawMessage `json:"id"`
}

type errorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Conn is one JSON-RPC connection: an accumulating read buffer that
// NextValue frames into individual top-level JSON values, each of which
// is dispatched and (for requests carrying an id) answered.
type Conn struct {
	server *Server
	buf    bytes.Buffer
}

// NewConn creates a connection bound to server's dispatch table.
func NewConn(server *Server) *Conn {
	return &Conn{server: server}
}

// Feed appends newly-read bytes and processes every complete top-level
// JSON value now available, returning one response payload per value
// that warranted a response (batches collapse to one array response).
// It mirrors the framer contract: Incomplete(0) keeps buffering (no
// responses returned, no error), Consumed(n) processes one value,
// Error(<0) means the connection should close.
func (c *Conn) Feed(data []byte) ([][]byte, error) {
	c.buf.Write(data)
	var out [][]byte

	for {
		remaining := c.buf.Bytes()
		n, err := NextValue(remaining)
		if err == ErrIncomplete {
			break
		}
		if err != nil {
			return out, errs.Wrap("rpc", "feed", errs.ErrCodeProtocolViolation, err)
		}

		value := append([]byte(nil), remaining[:n]...)
		c.buf.Next(n)
		// Skip whitespace the framer left as a separator between values.
		for c.buf.Len() > 0 {
			b := c.buf.Bytes()[0]
			if b == ' ' || b == '\t' || b == '\n' || b == '\r' {
				c.buf.Next(1)
				continue
			}
			break
		}

		if resp := c.dispatchValue(value); resp != nil {
			out = append(out, resp)
		}
	}
	return out, nil
}

func (c *Conn) dispatchValue(value []byte) []byte {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return c.dispatchBatch(trimmed)
	}
	return c.dispatchSingle(trimmed)
}

// dispatchBatch splits a batch into individual requests, mirroring
// parse_batch_request. An empty batch is InvalidRequest.
func (c *Conn) dispatchBatch(raw []byte) []byte {
	var items []jsoniter.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
		return encodeErrorResponse(ID{}, ErrCodeInvalidRequest, "Invalid Request")
	}

	var responses [][]byte
	for _, item := range items {
		if r := c.dispatchSingle(item); r != nil {
			responses = append(responses, r)
		}
	}
	if len(responses) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, r := range responses {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(r)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

func (c *Conn) dispatchSingle(raw []byte) []byte {
	req, err := DecodeObject(raw)
	if err != nil {
		return encodeErrorResponse(ID{}, ErrCodeInvalidRequest, "Invalid Request")
	}

	fn, ok := c.server.lookup(req.Method)
	if !ok {
		if !req.ID.Present() {
			return nil
		}
		return encodeErrorResponse(req.ID, ErrCodeMethodNotFound, "Method not found")
	}

	result, methodErr := fn(req.Params)
	if !req.ID.Present() {
		return nil // notification: no response regardless of outcome
	}
	if methodErr != nil {
		return encodeErrorResponse(req.ID, methodErr.Code, methodErr.Message)
	}
	return encodeResultResponse(req.ID, result)
}

func encodeResultResponse(id ID, result any) []byte {
	idBytes, _ := id.MarshalJSON()
	resp := response{JSONRPC: "2.0", Result: result, ID: idBytes}
	b, err := json.Marshal(resp)
	if err != nil {
		return encodeErrorResponse(id, ErrCodeInternalError, "failed to encode result")
	}
	return b
}

func encodeErrorResponse(id ID, code int, msg string) []byte {
	idBytes, _ := id.MarshalJSON()
	resp := response{JSONRPC: "2.0", Error: &errorObj{Code: code, Message: msg}, ID: idBytes}
	b, _ := json.Marshal(resp)
	return b
}
