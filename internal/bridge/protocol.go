package bridge

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Read errors that mean the peer broke the protocol.
var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrMissingType    = errors.New("frame without type")
)

// Frame types on the wire.
const (
	FrameHello       = "hello"
	FramePairRequest = "pair-request"
	FramePairOK      = "pair-ok"
	FrameHelloOK     = "hello-ok"
	FrameError       = "error"
	FrameRequest     = "request"
	FrameResponse    = "response"
	FrameEvent       = "event"
	FramePing        = "ping"
	FramePong        = "pong"
)

// Node events the bridge handles itself. Every event is still forwarded.
const (
	EventChatSubscribe   = "chat.subscribe"
	EventChatUnsubscribe = "chat.unsubscribe"
)

// Frame is one line of the bridge protocol. Type selects which of the
// other fields are meaningful.
type Frame struct {
	Type string `json:"type"`

	// hello, pair-request, hello-ok
	NodeID      string   `json:"nodeId,omitempty"`
	Token       string   `json:"token,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	Platform    string   `json:"platform,omitempty"`
	Version     string   `json:"version,omitempty"`
	PublicKey   string   `json:"publicKey,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	ServerName  string   `json:"serverName,omitempty"`

	// request, response
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameErr       `json:"error,omitempty"`

	// event
	Event string `json:"event,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// FrameErr is the error body of a failed response frame.
type FrameErr struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FrameReader decodes newline-delimited JSON frames.
type FrameReader struct {
	scanner *bufio.Scanner
}

func NewFrameReader(r io.Reader, maxFrameBytes int) *FrameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameBytes)
	return &FrameReader{scanner: scanner}
}

// Read returns the next frame. Blank lines are skipped. io.EOF means the
// peer closed cleanly; a line over the size cap yields bufio.ErrTooLong.
func (fr *FrameReader) Read() (Frame, error) {
	for fr.scanner.Scan() {
		line := fr.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if f.Type == "" {
			return Frame{}, ErrMissingType
		}
		return f, nil
	}
	if err := fr.scanner.Err(); err != nil {
		return Frame{}, err
	}
	return Frame{}, io.EOF
}

// WriteFrame writes f followed by a newline in a single Write call.
func WriteFrame(w io.Writer, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
