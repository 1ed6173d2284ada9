package ledger

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Writer appends ledger entries to a line-delimited JSON file in small
// batches. It is the durable side of the ledger: the ring buffer serves
// live statistics, the file serves offline audit.
type Writer struct {
	ch            chan Entry
	done          chan struct{}
	wg            sync.WaitGroup
	f             *os.File
	bw            *bufio.Writer
	batchSize     int
	flushInterval time.Duration

	errOnce sync.Once
}

// WriterOption configures the Writer.
type WriterOption func(*Writer)

// WithBatchSize overrides the flush batch size (default 20).
func WithBatchSize(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithFlushInterval overrides the periodic flush interval (default 2s).
func WithFlushInterval(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d > 0 {
			w.flushInterval = d
		}
	}
}

// NewWriter opens (or creates) the audit log for append and starts the
// background flush loop.
func NewWriter(path string, opts ...WriterOption) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: open audit log %s", path)
	}

	w := &Writer{
		ch:            make(chan Entry, 1024),
		done:          make(chan struct{}),
		f:             f,
		bw:            bufio.NewWriter(f),
		batchSize:     20,
		flushInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// enqueue hands an entry to the writer without blocking. Returns false when
// the buffer is full and the entry was dropped.
func (w *Writer) enqueue(e Entry) bool {
	select {
	case w.ch <- e:
		return true
	default:
		return false
	}
}

func (w *Writer) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	pending := 0
	for {
		select {
		case e := <-w.ch:
			w.write(e)
			pending++
			if pending >= w.batchSize {
				w.flush()
				pending = 0
			}
		case <-ticker.C:
			if pending > 0 {
				w.flush()
				pending = 0
			}
		case <-w.done:
			// Drain whatever is still queued, then final flush.
			for {
				select {
				case e := <-w.ch:
					w.write(e)
				default:
					w.flush()
					return
				}
			}
		}
	}
}

// write serializes one entry. Failures are logged once and swallowed; the
// ledger contract forbids surfacing I/O errors to callers.
func (w *Writer) write(e Entry) {
	b, err := json.Marshal(e)
	if err != nil {
		w.logErrOnce(err)
		return
	}
	if _, err := w.bw.Write(append(b, '\n')); err != nil {
		w.logErrOnce(err)
	}
}

func (w *Writer) flush() {
	if err := w.bw.Flush(); err != nil {
		w.logErrOnce(err)
	}
}

func (w *Writer) logErrOnce(err error) {
	w.errOnce.Do(func() {
		zap.L().Error("ledger: audit log write failed, further errors suppressed", zap.Error(err))
	})
}

// Close stops the loop, drains the queue and closes the file.
func (w *Writer) Close() error {
	close(w.done)
	w.wg.Wait()
	if err := w.f.Close(); err != nil {
		return eris.Wrap(err, "ledger: close audit log")
	}
	return nil
}
