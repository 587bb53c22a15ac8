package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/aretw0/syncgw/pkg/domain"
)

// Operations sent to the actor.
const (
	OpConnect = "connect"
	OpProcess = "process"
	OpClose   = "close"
)

// Events received from the actor.
const (
	EventConnected = "connected"
	EventReply     = "reply"
	EventAbort     = "abort"
)

// Request is one line written to the actor.
type Request struct {
	Op      string                 `json:"op"`
	ID      uint64                 `json:"id,omitempty"`
	Handle  domain.Handle          `json:"handle"`
	Options *domain.ConnectOptions `json:"options,omitempty"`
	// Data is base64 encoded on the wire.
	Data        []byte `json:"data,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Normal      bool   `json:"normal,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Message is one line read from the actor. Reply fields are inlined.
type Message struct {
	Event  string        `json:"event"`
	ID     uint64        `json:"id,omitempty"`
	Error  string        `json:"error,omitempty"`
	Handle domain.Handle `json:"handle,omitempty"`
	domain.Reply
}

// Encoder writes newline delimited JSON values. Safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes v followed by a newline in a single Write.
func (e *Encoder) Encode(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(line)
	return err
}

// Decoder reads newline delimited JSON values.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next non-empty line into v. A malformed line is reported
// as a *SyntaxError and does not end the stream.
func (d *Decoder) Decode(v any) error {
	for {
		line, err := d.r.ReadBytes('\n')
		if len(line) > 0 && !isBlank(line) {
			if jerr := json.Unmarshal(line, v); jerr != nil {
				return &SyntaxError{Line: string(line), Err: jerr}
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// SyntaxError is returned for a line that is not a valid message.
type SyntaxError struct {
	Line string
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("malformed message: %v", e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

func isBlank(b []byte) bool {
	for _, c := range b {
		switch c {
		case ' ', '\t', '\r', '\n':
		default:
			return false
		}
	}
	return true
}
