// Package protocol implements the RESP (Redis Serialization Protocol) subset
// understood by EmberDB: simple strings, bulk strings and arrays.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

var (
	// ErrProtocol indicates malformed RESP data.
	ErrProtocol = errors.New("protocol: invalid RESP format")
	// ErrIncomplete indicates the buffer ends before the frame it declares.
	// Callers should read more bytes and retry; this is not a client error.
	ErrIncomplete = errors.New("protocol: incomplete frame")
)

// RESP type constants.
const (
	TypeSimpleString = '+'
	TypeError        = '-'
	TypeInteger      = ':'
	TypeBulkString   = '$'
	TypeArray        = '*'
)

const (
	maxBulkLen  = 512 * 1024 * 1024 // 512 MiB
	maxArrayLen = 1_000_000
)

var (
	crlfBytes = []byte("\r\n")
	nullBytes = []byte("$-1\r\n")
	errPrefix = []byte("-ERR ")
	okBytes   = []byte("+OK\r\n")
)

// Value represents a decoded RESP value.
type Value struct {
	Type  byte
	Str   string
	Num   int64
	Null  bool
	Array []Value
}

// IsString reports whether the value carries text (simple or bulk string).
func (v Value) IsString() bool {
	return v.Type == TypeSimpleString || v.Type == TypeBulkString
}

// Decode decodes a single RESP value from the front of buf and returns it
// together with the number of bytes consumed. It is pure: it never reads past
// the bytes the frame declares, and a partial buffer yields ErrIncomplete so
// the caller can accumulate more input and retry. Anything outside the
// grammar yields ErrProtocol.
func Decode(buf []byte) (Value, int, error) {
	if len(buf) == 0 {
		return Value{}, 0, ErrIncomplete
	}

	switch buf[0] {
	case TypeSimpleString:
		return decodeSimpleString(buf)
	case TypeBulkString:
		return decodeBulkString(buf)
	case TypeArray:
		return decodeArray(buf)
	default:
		return Value{}, 0, fmt.Errorf("%w: unknown type %q", ErrProtocol, buf[0])
	}
}

// DecodeReply decodes a single RESP value from a server reply. Replies use a
// wider grammar than commands: error and integer frames plus the null forms
// $-1 and *-1. Clients and tests use this; the server input path uses Decode.
func DecodeReply(buf []byte) (Value, int, error) {
	if len(buf) == 0 {
		return Value{}, 0, ErrIncomplete
	}

	switch buf[0] {
	case TypeSimpleString:
		return decodeSimpleString(buf)
	case TypeError:
		line, n, err := readLine(buf)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Type: TypeError, Str: line}, n, nil
	case TypeInteger:
		line, n, err := readLine(buf)
		if err != nil {
			return Value{}, 0, err
		}
		num, perr := strconv.ParseInt(line, 10, 64)
		if perr != nil {
			return Value{}, 0, fmt.Errorf("%w: non-numeric integer %q", ErrProtocol, line)
		}
		return Value{Type: TypeInteger, Num: num}, n, nil
	case TypeBulkString:
		line, n, err := readLine(buf)
		if err != nil {
			return Value{}, 0, err
		}
		if line == "-1" {
			return Value{Type: TypeBulkString, Null: true}, n, nil
		}
		return decodeBulkString(buf)
	case TypeArray:
		line, n, err := readLine(buf)
		if err != nil {
			return Value{}, 0, err
		}
		if line == "-1" {
			return Value{Type: TypeArray, Null: true}, n, nil
		}
		count, n, err := readLength(buf)
		if err != nil {
			return Value{}, 0, err
		}
		if count > maxArrayLen {
			return Value{}, 0, fmt.Errorf("%w: array too large", ErrProtocol)
		}
		elems := make([]Value, 0, count)
		pos := n
		for i := 0; i < count; i++ {
			v, consumed, err := DecodeReply(buf[pos:])
			if err != nil {
				return Value{}, 0, err
			}
			elems = append(elems, v)
			pos += consumed
		}
		return Value{Type: TypeArray, Array: elems}, pos, nil
	default:
		return Value{}, 0, fmt.Errorf("%w: unknown type %q", ErrProtocol, buf[0])
	}
}

// readLine finds the CRLF-terminated line starting after the type byte and
// returns its contents plus the total bytes consumed including the type byte
// and the CRLF.
func readLine(buf []byte) (string, int, error) {
	for i := 1; i < len(buf); i++ {
		if buf[i] == '\n' {
			if i < 2 || buf[i-1] != '\r' {
				return "", 0, fmt.Errorf("%w: missing CR before LF", ErrProtocol)
			}
			return string(buf[1 : i-1]), i + 1, nil
		}
	}
	return "", 0, ErrIncomplete
}

// readLength parses the variable-length decimal token of a bulk string or
// array header, digit by digit up to the CRLF. The token width is never
// assumed; "$5" and "$536870912" are both legal headers.
func readLength(buf []byte) (int, int, error) {
	line, n, err := readLine(buf)
	if err != nil {
		return 0, 0, err
	}
	if len(line) == 0 {
		return 0, 0, fmt.Errorf("%w: empty length", ErrProtocol)
	}
	length := 0
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c < '0' || c > '9' {
			return 0, 0, fmt.Errorf("%w: non-numeric length %q", ErrProtocol, line)
		}
		length = length*10 + int(c-'0')
		if length > maxBulkLen {
			return 0, 0, fmt.Errorf("%w: declared length too large", ErrProtocol)
		}
	}
	return length, n, nil
}

func decodeSimpleString(buf []byte) (Value, int, error) {
	line, n, err := readLine(buf)
	if err != nil {
		return Value{}, 0, err
	}
	return Value{Type: TypeSimpleString, Str: line}, n, nil
}

func decodeBulkString(buf []byte) (Value, int, error) {
	length, n, err := readLength(buf)
	if err != nil {
		return Value{}, 0, err
	}

	// Payload plus terminating CRLF must be fully present.
	end := n + length + 2
	if end > len(buf) {
		return Value{}, 0, ErrIncomplete
	}
	if buf[end-2] != '\r' || buf[end-1] != '\n' {
		return Value{}, 0, fmt.Errorf("%w: bulk string not CRLF-terminated", ErrProtocol)
	}

	return Value{Type: TypeBulkString, Str: string(buf[n : n+length])}, end, nil
}

func decodeArray(buf []byte) (Value, int, error) {
	count, n, err := readLength(buf)
	if err != nil {
		return Value{}, 0, err
	}
	if count > maxArrayLen {
		return Value{}, 0, fmt.Errorf("%w: array too large", ErrProtocol)
	}

	elems := make([]Value, 0, count)
	pos := n
	for i := 0; i < count; i++ {
		v, consumed, err := Decode(buf[pos:])
		if err != nil {
			return Value{}, 0, err
		}
		elems = append(elems, v)
		pos += consumed
	}

	return Value{Type: TypeArray, Array: elems}, pos, nil
}

// Writer encodes RESP replies. Every Write* call flushes, so a reply is fully
// on the wire before the caller decodes the next frame.
type Writer struct {
	wr *bufio.Writer
}

// NewWriter creates a RESP Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{wr: bufio.NewWriter(w)}
}

// WriteSimpleString writes a simple string reply (+OK\r\n fast path).
func (w *Writer) WriteSimpleString(s string) error {
	if s == "OK" {
		if _, err := w.wr.Write(okBytes); err != nil {
			return err
		}
		return w.wr.Flush()
	}
	if err := w.wr.WriteByte('+'); err != nil {
		return err
	}
	if _, err := w.wr.WriteString(s); err != nil {
		return err
	}
	if _, err := w.wr.Write(crlfBytes); err != nil {
		return err
	}
	return w.wr.Flush()
}

// WriteError writes an error reply.
func (w *Writer) WriteError(msg string) error {
	if _, err := w.wr.Write(errPrefix); err != nil {
		return err
	}
	if _, err := w.wr.WriteString(msg); err != nil {
		return err
	}
	if _, err := w.wr.Write(crlfBytes); err != nil {
		return err
	}
	return w.wr.Flush()
}

// WriteInteger writes an integer reply.
func (w *Writer) WriteInteger(n int64) error {
	if err := w.wr.WriteByte(':'); err != nil {
		return err
	}
	if _, err := w.wr.WriteString(formatInt(n)); err != nil {
		return err
	}
	if _, err := w.wr.Write(crlfBytes); err != nil {
		return err
	}
	return w.wr.Flush()
}

// WriteBulkString writes a bulk string reply.
func (w *Writer) WriteBulkString(s string) error {
	if err := w.wr.WriteByte('$'); err != nil {
		return err
	}
	if _, err := w.wr.WriteString(formatInt(int64(len(s)))); err != nil {
		return err
	}
	if _, err := w.wr.Write(crlfBytes); err != nil {
		return err
	}
	if _, err := w.wr.WriteString(s); err != nil {
		return err
	}
	if _, err := w.wr.Write(crlfBytes); err != nil {
		return err
	}
	return w.wr.Flush()
}

// WriteNull writes a null bulk reply.
func (w *Writer) WriteNull() error {
	if _, err := w.wr.Write(nullBytes); err != nil {
		return err
	}
	return w.wr.Flush()
}

// WriteStringArray writes an array of bulk strings. Clients use this to send
// commands in multibulk form.
func (w *Writer) WriteStringArray(items []string) error {
	if err := w.wr.WriteByte('*'); err != nil {
		return err
	}
	if _, err := w.wr.WriteString(formatInt(int64(len(items)))); err != nil {
		return err
	}
	if _, err := w.wr.Write(crlfBytes); err != nil {
		return err
	}
	for _, item := range items {
		if err := w.wr.WriteByte('$'); err != nil {
			return err
		}
		if _, err := w.wr.WriteString(formatInt(int64(len(item)))); err != nil {
			return err
		}
		if _, err := w.wr.Write(crlfBytes); err != nil {
			return err
		}
		if _, err := w.wr.WriteString(item); err != nil {
			return err
		}
		if _, err := w.wr.Write(crlfBytes); err != nil {
			return err
		}
	}
	return w.wr.Flush()
}

func formatInt(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte(n%10) + '0'
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
