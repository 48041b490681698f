package process

import (
	"bytes"
	"sync"
)

// Stream identifies which pipe a line came from
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

type line struct {
	stream Stream
	text   string
}

// lineWriter splits whatever os/exec copies out of a pipe into lines and
// queues them for the aggregator. A full queue blocks the copy, which in
// turn blocks the child's writes.
type lineWriter struct {
	mu      sync.Mutex
	stream  Stream
	out     chan<- line
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data := append(w.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		w.out <- line{stream: w.stream, text: string(bytes.TrimSuffix(data[:i], []byte{'\r'}))}
		data = data[i+1:]
	}
	w.partial = append(w.partial[:0:0], data...)
	return len(p), nil
}

// flush emits a trailing line that had no newline
func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.out <- line{stream: w.stream, text: string(w.partial)}
		w.partial = nil
	}
}
