package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxLineBytes bounds a single inbound line. Longer lines are discarded.
const MaxLineBytes = 10 * 1024 * 1024 // 10 MB

// Encode serializes a request as compact JSON followed by a single newline.
func Encode(req *Request) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("request is nil")
	}

	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	line, err := json.Marshal(Request{ID: req.ID, Method: req.Method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	return append(line, '\n'), nil
}

// EncodeResponse serializes a response line. Used by engine implementations.
func EncodeResponse(resp *Response) ([]byte, error) {
	if resp == nil {
		return nil, fmt.Errorf("response is nil")
	}

	line, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}

	return append(line, '\n'), nil
}

// Encoder writes protocol lines to an io.Writer. It is safe for concurrent
// use; each line is written and flushed under a lock so lines never
// interleave.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes a request line to the output stream.
func (e *Encoder) Encode(req *Request) error {
	line, err := Encode(req)
	if err != nil {
		return err
	}
	return e.writeLine(line)
}

// EncodeResponse writes a response line to the output stream.
func (e *Encoder) EncodeResponse(resp *Response) error {
	line, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	return e.writeLine(line)
}

func (e *Encoder) writeLine(line []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("failed to write line: %w", err)
	}

	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return nil
}

// Decoder incrementally parses newline-delimited responses. Bytes are fed in
// arbitrary chunks; incomplete trailing data is kept until its newline
// arrives. A Decoder is not safe for concurrent use and belongs to a single
// process generation.
type Decoder struct {
	buf      []byte
	dropped  uint64
	skipping bool
}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the internal buffer and returns every response that
// could be parsed from the complete lines now available. Malformed lines are
// counted and skipped.
func (d *Decoder) Feed(chunk []byte) []Response {
	var out []Response

	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			d.buffer(chunk)
			break
		}

		part := chunk[:idx]
		chunk = chunk[idx+1:]

		if d.skipping {
			d.skipping = false
			continue
		}

		line := part
		if len(d.buf) > 0 {
			if len(d.buf)+len(part) > MaxLineBytes {
				d.buf = d.buf[:0]
				d.dropped++
				continue
			}
			d.buf = append(d.buf, part...)
			line = d.buf
		} else if len(part) > MaxLineBytes {
			d.dropped++
			continue
		}

		if resp, ok := d.parse(line); ok {
			out = append(out, resp)
		}
		d.buf = d.buf[:0]
	}

	return out
}

// Dropped returns the number of lines discarded as malformed or oversized.
func (d *Decoder) Dropped() uint64 {
	return d.dropped
}

// Buffered returns the number of bytes held for an incomplete line.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// ReadFrom reads r until EOF, invoking fn for each parsed response. It
// returns nil on EOF and the read error otherwise.
func (d *Decoder) ReadFrom(r io.Reader, fn func(Response)) error {
	chunk := make([]byte, 64*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			for _, resp := range d.Feed(chunk[:n]) {
				fn(resp)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}
	}
}

func (d *Decoder) buffer(part []byte) {
	if d.skipping {
		return
	}
	if len(d.buf)+len(part) > MaxLineBytes {
		d.buf = d.buf[:0]
		d.skipping = true
		d.dropped++
		return
	}
	d.buf = append(d.buf, part...)
}

func (d *Decoder) parse(line []byte) (Response, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(bytes.TrimSpace(line)) == 0 {
		return Response{}, false
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		d.dropped++
		return Response{}, false
	}
	if resp.ID == "" {
		d.dropped++
		return Response{}, false
	}

	return resp, true
}

// DecodeRequest parses a single request line, as read by an engine.
func DecodeRequest(line []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(bytes.TrimSpace(line), &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	if req.ID == "" || req.Method == "" {
		return nil, fmt.Errorf("request id and method are required")
	}
	return &req, nil
}

// ParseParams parses request parameters into a specific type.
func ParseParams(params json.RawMessage, target interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, target); err != nil {
		return fmt.Errorf("failed to parse params: %w", err)
	}
	return nil
}
