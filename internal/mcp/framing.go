package mcp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

const (
	// DefaultMaxFrameBytes is the inbound payload limit when none is configured.
	DefaultMaxFrameBytes = 16 << 20

	// maxHeaderLine bounds a single header line; longer lines are treated as
	// a corrupt stream.
	maxHeaderLine = 4096

	contentLengthHeader = "content-length"
)

// FrameReader reads Content-Length framed messages:
//
//	Content-Length: <n>\r\n
//	\r\n
//	<n bytes of payload>
//
// Header lines may end in "\r\n" or "\n". A header block without a
// Content-Length header is skipped. Partial reads are buffered until a whole
// frame is available.
type FrameReader struct {
	reader   *bufio.Reader
	maxFrame int
}

// NewFrameReader creates a reader. maxFrame <= 0 selects DefaultMaxFrameBytes.
func NewFrameReader(r io.Reader, maxFrame int) *FrameReader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &FrameReader{
		reader:   bufio.NewReaderSize(r, maxHeaderLine),
		maxFrame: maxFrame,
	}
}

// ReadFrame blocks until one complete payload is available. It returns
// io.EOF on a clean end of stream between frames and io.ErrUnexpectedEOF when
// the stream ends inside a frame.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	for {
		length, err := fr.readHeader()
		if err != nil {
			return nil, err
		}
		if length < 0 {
			continue
		}
		if length > fr.maxFrame {
			return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, fr.maxFrame)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(fr.reader, payload); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		return payload, nil
	}
}

// readHeader consumes one header block and returns the announced length, or
// -1 if the block had no Content-Length.
func (fr *FrameReader) readHeader() (int, error) {
	length := -1
	sawHeader := false
	for {
		line, err := fr.reader.ReadSlice('\n')
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				return 0, fmt.Errorf("header line exceeds %d bytes", maxHeaderLine)
			}
			if errors.Is(err, io.EOF) && (sawHeader || len(line) > 0) {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}

		text := strings.TrimRight(string(line), "\r\n")
		if text == "" {
			if !sawHeader {
				// Stray separator between frames.
				continue
			}
			return length, nil
		}
		sawHeader = true

		key, value, ok := strings.Cut(text, ":")
		if !ok || strings.ToLower(strings.TrimSpace(key)) != contentLengthHeader {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid Content-Length %q", strings.TrimSpace(value))
		}
		length = n
	}
}

// FrameWriter writes Content-Length framed messages. It is safe for
// concurrent use; each frame is written with a single Write call.
type FrameWriter struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewFrameWriter creates a writer.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{writer: w}
}

// WriteFrame writes the header and payload.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	var buf bytes.Buffer
	buf.Grow(len(payload) + 32)
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(payload))
	buf.Write(payload)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err := fw.writer.Write(buf.Bytes())
	return err
}
