package protocol

import (
	"errors"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// message always produces identical bytes.
var encMode cbor.EncMode

// decMode accepts standard CBOR. Unknown map keys are ignored so newer
// peers may add fields without breaking older ones.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  8,
		MaxArrayElements: 1024,
		MaxMapPairs:      64,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes a single message. The encoding is self-delimiting, so
// messages can be concatenated on a stream without a length prefix.
func Marshal(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, newError(ErrorTypeEncode, "write", err)
	}
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, newError(ErrorTypeEncode, "write", err)
	}
	return data, nil
}

// Unmarshal decodes exactly one message from data.
func Unmarshal(data []byte, m *Message) error {
	var decoded Message
	if err := decMode.Unmarshal(data, &decoded); err != nil {
		return newError(ErrorTypeDecode, "read", err)
	}
	if err := decoded.Validate(); err != nil {
		return newError(ErrorTypeDecode, "read", err)
	}
	*m = decoded
	return nil
}

// Encoder writes messages to a stream. It is safe for concurrent use;
// each message is written with a single Write call.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one message.
func (e *Encoder) Encode(m Message) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return newError(ErrorTypeIO, "write", err)
	}
	return nil
}

// Decoder reads a sequence of messages from a long-lived stream.
//
// The underlying CBOR decoder buffers bytes past the end of the current
// message, so exactly one Decoder must be kept per connection for its
// whole lifetime. Creating a new one per message drops buffered input.
type Decoder struct {
	src *trackingReader
	dec *cbor.Decoder
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	src := &trackingReader{r: r}
	return &Decoder{src: src, dec: decMode.NewDecoder(src)}
}

// Decode reads the next message. Read failures, including a clean EOF,
// are reported as ErrIO; malformed bytes as ErrDecode. After any error
// the stream must be considered unusable.
func (d *Decoder) Decode() (Message, error) {
	var m Message
	if err := d.dec.Decode(&m); err != nil {
		if d.isReadFailure(err) {
			return Message{}, newError(ErrorTypeIO, "read", err)
		}
		return Message{}, newError(ErrorTypeDecode, "read", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, newError(ErrorTypeDecode, "read", err)
	}
	return m, nil
}

func (d *Decoder) isReadFailure(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	readErr := d.src.Err()
	return readErr != nil && !errors.Is(readErr, io.EOF)
}

// trackingReader remembers the last error returned by the wrapped
// reader so decode failures can be told apart from transport failures.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil {
		t.err = err
	}
	return n, err
}

func (t *trackingReader) Err() error { return t.err }
