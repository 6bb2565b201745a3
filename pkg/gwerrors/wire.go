package gwerrors

import (
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// JSON-RPC codes the gateway sends. CodeAccessDenied sits in the
// implementation-defined server error range, clear of the codes the SDK
// reserves there (-32000 to -32004).
const (
	CodeMethodNotFound int64 = -32601
	CodeAccessDenied   int64 = -32010
)

// codedError keeps err's sentinel chain and carries a wire error the SDK
// uses for the response code. The message stays err's.
type codedError struct {
	err  error
	wire error
}

func (e *codedError) Error() string   { return e.err.Error() }
func (e *codedError) Unwrap() []error { return []error{e.err, e.wire} }

// WithCode marks err to be sent with the JSON-RPC error code.
func WithCode(err error, code int64) error {
	if err == nil {
		return nil
	}
	return &codedError{err: err, wire: wireError(code, err.Error())}
}

// HasCode reports whether err carries the JSON-RPC error code, either from
// WithCode or from a response received over the wire.
func HasCode(err error, code int64) bool {
	return err != nil && errors.Is(err, wireError(code, ""))
}

// wireError builds the SDK's wire error value by decoding an error
// response, the only way the jsonrpc package exposes one.
func wireError(code int64, message string) error {
	type wire struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	}
	raw, err := json.Marshal(struct {
		Version string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Error   wire   `json:"error"`
	}{"2.0", 1, wire{code, message}})
	if err != nil {
		return err
	}
	msg, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return err
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok || resp.Error == nil {
		return errors.New(message)
	}
	return resp.Error
}
