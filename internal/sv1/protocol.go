// Package sv1 implements the Stratum V1 JSON-RPC messages spoken by legacy
// mining devices.
package sv1

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Stratum V1 method names
const (
	MethodSubscribe           = "mining.subscribe"
	MethodAuthorize           = "mining.authorize"
	MethodSubmit              = "mining.submit"
	MethodConfigure           = "mining.configure"
	MethodExtranonceSubscribe = "mining.extranonce.subscribe"
	MethodSuggestDifficulty   = "mining.suggest_difficulty"
	MethodNotify              = "mining.notify"
	MethodSetDifficulty       = "mining.set_difficulty"
)

// Message represents a Stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// MarshalJSON always emits "result" and "error" on responses and "params" on
// requests; several firmwares reject lines without them.
func (m *Message) MarshalJSON() ([]byte, error) {
	if m.Method != "" {
		params := m.Params
		if params == nil {
			params = []any{}
		}
		return json.Marshal(struct {
			ID     any    `json:"id"`
			Method string `json:"method"`
			Params []any  `json:"params"`
		}{m.ID, m.Method, params})
	}
	return json.Marshal(struct {
		ID     any    `json:"id"`
		Result any    `json:"result"`
		Error  *Error `json:"error"`
	}{m.ID, m.Result, m.Error})
}

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// SubscribeRequest represents a mining.subscribe request
type SubscribeRequest struct {
	UserAgent string
	SessionID string
}

// AuthorizeRequest represents a mining.authorize request
type AuthorizeRequest struct {
	Username string
	Password string
}

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
	// VersionBits is set when the device rolls the block version (BIP 310).
	VersionBits string
}

// ConfigureRequest represents a mining.configure request
type ConfigureRequest struct {
	Extensions         []string
	VersionRollingMask uint32
	HasMask            bool
	MinBitCount        int
}

// Supports reports whether the device asked for the named extension.
func (c *ConfigureRequest) Supports(ext string) bool {
	for _, e := range c.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to a newline terminated JSON line
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return append(data, '\n'), nil
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// NewErrorResponse creates a new error response message
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{
		ID: id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

// NewNotification creates a new notification message
func NewNotification(method string, params []any) *Message {
	return &Message{
		ID:     nil,
		Method: method,
		Params: params,
	}
}

// NewSetDifficulty creates a mining.set_difficulty notification
func NewSetDifficulty(difficulty float64) *Message {
	return NewNotification(MethodSetDifficulty, []any{difficulty})
}

// NewSubscribeResult builds the mining.subscribe result triple.
func NewSubscribeResult(subscriptionID, extranonce1 string, extranonce2Size int) []any {
	return []any{
		[]any{
			[]any{MethodSetDifficulty, subscriptionID},
			[]any{MethodNotify, subscriptionID},
		},
		extranonce1,
		extranonce2Size,
	}
}

// IsRequest returns true if the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// Notify is a translated job ready to be sent as mining.notify.
type Notify struct {
	JobID        string
	PrevHash     string
	Coinb1       string
	Coinb2       string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool
}

// Params returns the positional mining.notify parameters.
func (n *Notify) Params() []any {
	branch := make([]any, len(n.MerkleBranch))
	for i, b := range n.MerkleBranch {
		branch[i] = b
	}
	return []any{
		n.JobID,
		n.PrevHash,
		n.Coinb1,
		n.Coinb2,
		branch,
		n.Version,
		n.NBits,
		n.NTime,
		n.CleanJobs,
	}
}

// Message returns the notification message for n.
func (n *Notify) Message() *Message {
	return NewNotification(MethodNotify, n.Params())
}

// ParseSubscribeRequest parses mining.subscribe parameters. Devices commonly
// send an empty parameter list.
func ParseSubscribeRequest(params []any) (*SubscribeRequest, error) {
	req := &SubscribeRequest{}

	if len(params) > 0 {
		if userAgent, ok := params[0].(string); ok {
			req.UserAgent = userAgent
		}
	}

	if len(params) > 1 {
		if sessionID, ok := params[1].(string); ok {
			req.SessionID = sessionID
		}
	}

	return req, nil
}

// ParseAuthorizeRequest parses mining.authorize parameters
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	username, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("username must be string")
	}

	req := &AuthorizeRequest{Username: username}
	if len(params) > 1 {
		if password, ok := params[1].(string); ok {
			req.Password = password
		}
	}

	return req, nil
}

// ParseSubmitRequest parses mining.submit parameters
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	fields := make([]string, 0, 6)
	names := []string{"username", "job_id", "extranonce2", "ntime", "nonce", "version_bits"}
	for i, p := range params {
		if i >= len(names) {
			break
		}
		s, ok := p.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be string", names[i])
		}
		fields = append(fields, s)
	}

	req := &SubmitRequest{
		Username:    fields[0],
		JobID:       fields[1],
		ExtraNonce2: fields[2],
		NTime:       fields[3],
		Nonce:       fields[4],
	}
	if len(fields) > 5 {
		req.VersionBits = fields[5]
	}

	return req, nil
}

// ParseConfigureRequest parses mining.configure parameters:
// [["version-rolling"], {"version-rolling.mask": "1fffe000", ...}]
func ParseConfigureRequest(params []any) (*ConfigureRequest, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	exts, ok := params[0].([]any)
	if !ok {
		return nil, fmt.Errorf("extensions must be a list")
	}

	req := &ConfigureRequest{}
	for _, e := range exts {
		name, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("extension name must be string")
		}
		req.Extensions = append(req.Extensions, name)
	}

	if len(params) < 2 {
		return req, nil
	}
	opts, ok := params[1].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("extension parameters must be an object")
	}

	if raw, ok := opts["version-rolling.mask"]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("version-rolling.mask must be string")
		}
		mask, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid version-rolling.mask: %w", err)
		}
		req.VersionRollingMask = uint32(mask)
		req.HasMask = true
	}
	if raw, ok := opts["version-rolling.min-bit-count"]; ok {
		if n, ok := raw.(float64); ok {
			req.MinBitCount = int(n)
		}
	}

	return req, nil
}

// ParseSuggestDifficulty parses mining.suggest_difficulty parameters
func ParseSuggestDifficulty(params []any) (float64, error) {
	if len(params) < 1 {
		return 0, fmt.Errorf("insufficient parameters")
	}
	switch v := params[0].(type) {
	case float64:
		if v <= 0 {
			return 0, fmt.Errorf("difficulty must be positive")
		}
		return v, nil
	case string:
		d, err := strconv.ParseFloat(v, 64)
		if err != nil || d <= 0 {
			return 0, fmt.Errorf("invalid difficulty %q", v)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("difficulty must be a number")
	}
}
