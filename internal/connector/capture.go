package connector

import (
	"bytes"
	"io"
	"sync"
)

// Capture is an io.Writer that splits what it receives into lines.
// Complete lines are optionally echoed as soon as they are seen.
type Capture struct {
	mu     *sync.Mutex
	echo   io.Writer
	prefix string
	buf    bytes.Buffer
	lines  []string
}

// NewCapture returns a capture echoing to echo, which may be nil.
func NewCapture(echo io.Writer) *Capture {
	return &Capture{mu: &sync.Mutex{}, echo: echo}
}

// NewCapturePair returns stdout and stderr captures that share one echo
// writer and lock, so interleaved lines never tear.
func NewCapturePair(echo io.Writer) (stdout, stderr *Capture) {
	mu := &sync.Mutex{}
	return &Capture{mu: mu, echo: echo}, &Capture{mu: mu, echo: echo, prefix: "stderr: "}
}

// Write implements io.Writer.
func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf.Write(p)
	for {
		idx := bytes.IndexByte(c.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimSuffix(c.buf.Next(idx+1)[:idx], []byte("\r")))
		c.emit(line)
	}
	return len(p), nil
}

// Flush records any trailing text that was not terminated by a newline.
func (c *Capture) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.buf.Len() == 0 {
		return
	}
	line := string(bytes.TrimSuffix(c.buf.Bytes(), []byte("\r")))
	c.buf.Reset()
	c.emit(line)
}

// Lines returns a copy of the captured lines.
func (c *Capture) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Capture) emit(line string) {
	c.lines = append(c.lines, line)
	if c.echo != nil {
		// echo failures never break capture
		_, _ = io.WriteString(c.echo, c.prefix+line+"\n")
	}
}
