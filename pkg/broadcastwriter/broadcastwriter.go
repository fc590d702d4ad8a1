// Package broadcastwriter fans a single build-progress stream out to
// however many listeners a session has attached: raw-text listeners such
// as the CLI's own stdout, and (per stream name) a JSON-line encoded copy
// for callers that want structured progress events instead of raw text.
package broadcastwriter

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"time"

	log "github.com/Sirupsen/logrus"
)

// jsonLine is the structured shape written to every non-default-stream
// listener: one JSON object per line of build output.
type jsonLine struct {
	Log     string    `json:"log"`
	Stream  string    `json:"stream"`
	Created time.Time `json:"created"`
}

// BroadcastWriter accumulates multiple io.WriteCloser by stream name.
type BroadcastWriter struct {
	sync.Mutex
	buf     *bytes.Buffer
	lineBuf *bytes.Buffer
	streams map[string]map[io.WriteCloser]struct{}
}

// New returns a BroadcastWriter with no attached listeners.
func New() *BroadcastWriter {
	return &BroadcastWriter{
		streams: make(map[string]map[io.WriteCloser]struct{}),
		buf:     bytes.NewBuffer(nil),
	}
}

// AddWriter attaches writer under stream. Stream "" receives every byte
// written verbatim; any other stream name receives one jsonLine object per
// completed input line.
func (w *BroadcastWriter) AddWriter(writer io.WriteCloser, stream string) {
	w.Lock()
	if _, ok := w.streams[stream]; !ok {
		w.streams[stream] = make(map[io.WriteCloser]struct{})
	}
	w.streams[stream][writer] = struct{}{}
	w.Unlock()
}

// Write implements io.Writer. Failed writers are evicted, not retried.
func (w *BroadcastWriter) Write(p []byte) (int, error) {
	created := time.Now().UTC()
	w.Lock()
	defer w.Unlock()

	if writers, ok := w.streams[""]; ok {
		for sw := range writers {
			if n, err := sw.Write(p); err != nil || n != len(p) {
				delete(writers, sw)
			}
		}
	}

	if w.lineBuf == nil {
		w.lineBuf = new(bytes.Buffer)
		w.lineBuf.Grow(1024)
	}
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			w.buf.WriteString(line)
			break
		}
		for stream, writers := range w.streams {
			if stream == "" {
				continue
			}
			encoded, err := json.Marshal(jsonLine{Log: line, Stream: stream, Created: created})
			if err != nil {
				log.Errorf("broadcastwriter: failed to marshal log line: %s", err)
				continue
			}
			w.lineBuf.Write(encoded)
			w.lineBuf.WriteByte('\n')
			b := w.lineBuf.Bytes()
			for sw := range writers {
				if _, err := sw.Write(b); err != nil {
					delete(writers, sw)
				}
			}
			w.lineBuf.Reset()
		}
	}
	return len(p), nil
}

// Clean closes every attached writer and forgets them.
func (w *BroadcastWriter) Clean() error {
	w.Lock()
	defer w.Unlock()
	for _, writers := range w.streams {
		for wc := range writers {
			wc.Close()
		}
	}
	w.streams = make(map[string]map[io.WriteCloser]struct{})
	return nil
}
