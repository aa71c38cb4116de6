package client

import (
	"bufio"
	"fmt"
	"io"
)

const maxChunkHeaderDigits = 16

// chunkedReader decodes a chunked transfer-coded body.
type chunkedReader struct {
	r         *bufio.Reader
	remaining uint64
	inChunk   bool
	done      bool
}

func newChunkedReader(r *bufio.Reader) *chunkedReader {
	return &chunkedReader{r: r}
}

// readChunkHeader reads a chunk-size line, ignoring chunk extensions.
func (c *chunkedReader) readChunkHeader() (uint64, error) {
	line, err := readLine(c.r)
	if err != nil {
		return 0, err
	}
	var n uint64
	digits := 0
	for _, b := range line {
		switch {
		case '0' <= b && b <= '9':
			b = b - '0'
		case 'a' <= b && b <= 'f':
			b = b - 'a' + 10
		case 'A' <= b && b <= 'F':
			b = b - 'A' + 10
		case b == ';' || b == ' ' || b == '\t':
			if digits == 0 {
				return 0, malformed("missing chunk length")
			}
			return n, nil
		default:
			return 0, malformed("invalid byte %q in chunk length", b)
		}
		digits++
		if digits > maxChunkHeaderDigits {
			return 0, malformed("chunk length too large")
		}
		n = n<<4 | uint64(b)
	}
	if digits == 0 {
		return 0, malformed("missing chunk length")
	}
	return n, nil
}

// readTrailer discards trailer fields up to the terminating empty line.
func (c *chunkedReader) readTrailer() error {
	for {
		line, err := readLine(c.r)
		if err != nil {
			return err
		}
		if len(line) == 0 {
			return nil
		}
	}
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.done {
		return 0, io.EOF
	}
	if !c.inChunk {
		n, err := c.readChunkHeader()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			if err := c.readTrailer(); err != nil {
				return 0, err
			}
			c.done = true
			return 0, io.EOF
		}
		c.remaining = n
		c.inChunk = true
	}
	if uint64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.r.Read(p)
	c.remaining -= uint64(n)
	if err == io.EOF {
		return n, io.ErrUnexpectedEOF
	}
	if err != nil {
		return n, err
	}
	if c.remaining == 0 {
		c.inChunk = false
		cr, err := c.r.ReadByte()
		if err != nil {
			return n, unexpected(err)
		}
		lf, err := c.r.ReadByte()
		if err != nil {
			return n, unexpected(err)
		}
		if cr != '\r' || lf != '\n' {
			return n, malformed("malformed chunked encoding")
		}
	}
	return n, nil
}

// readLine reads a CRLF or LF terminated line without the terminator.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return nil, malformed("line too long")
	}
	if err != nil {
		return nil, unexpected(err)
	}
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// chunkedWriter encodes writes as chunks. Close writes the last chunk.
type chunkedWriter struct {
	w io.Writer
}

func (cw *chunkedWriter) Write(data []byte) (int, error) {
	// a zero-length chunk would end the body
	if len(data) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(cw.w, "%x\r\n", len(data)); err != nil {
		return 0, err
	}
	n, err := cw.w.Write(data)
	if err != nil {
		return n, err
	}
	if n != len(data) {
		return n, io.ErrShortWrite
	}
	if _, err := io.WriteString(cw.w, "\r\n"); err != nil {
		return n, err
	}
	return n, nil
}

func (cw *chunkedWriter) Close() error {
	_, err := io.WriteString(cw.w, "0\r\n\r\n")
	return err
}
