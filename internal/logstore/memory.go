package logstore

import (
	"context"
	"sync"
	"time"
)

// MemStoreOptions tune writer buffering.
type MemStoreOptions struct {
	// OutputBufferSize is the number of bytes buffered before an automatic
	// flush. Zero disables buffering: every write flushes immediately.
	OutputBufferSize int

	// FlushInterval bounds how long a buffered record stays unflushed.
	// Ignored when OutputBufferSize is zero.
	FlushInterval time.Duration
}

// streamLog is the in-memory log of one stream.
type streamLog struct {
	mu      sync.Mutex
	entries [][]byte
	nextSeq uint64
	epoch   int64
}

// MemStore is an in-memory Store used by the proxy's default single-process
// deployment and by tests. Durability here means visibility in Entries.
type MemStore struct {
	opts MemStoreOptions

	mu      sync.Mutex
	streams map[string]*streamLog
	closed  bool
}

// NewMemStore creates an in-memory store.
func NewMemStore(opts MemStoreOptions) *MemStore {
	return &MemStore{
		opts:    opts,
		streams: make(map[string]*streamLog),
	}
}

// OpenWriter opens a fenced writer for stream at epoch.
func (s *MemStore) OpenWriter(ctx context.Context, stream string, epoch int64) (Writer, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStoreClosed
	}
	log, ok := s.streams[stream]
	if !ok {
		log = &streamLog{}
		s.streams[stream] = log
	}
	s.mu.Unlock()

	log.mu.Lock()
	defer log.mu.Unlock()
	if epoch < log.epoch {
		return nil, ErrFenced
	}
	log.epoch = epoch

	w := &memWriter{
		store: s,
		log:   log,
		epoch: epoch,
	}
	if s.opts.OutputBufferSize > 0 && s.opts.FlushInterval > 0 {
		w.stopFlush = make(chan struct{})
		go w.flushLoop(s.opts.FlushInterval)
	}
	return w, nil
}

// Entries returns the flushed records of a stream.
func (s *MemStore) Entries(stream string) [][]byte {
	s.mu.Lock()
	log, ok := s.streams[stream]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	out := make([][]byte, len(log.entries))
	copy(out, log.entries)
	return out
}

// Close marks the store closed. Writes through existing writers fail.
func (s *MemStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// bufferedEntry is a record waiting for flush, with its reserved sequence.
type bufferedEntry struct {
	seq     uint64
	payload []byte
}

type memWriter struct {
	store *MemStore
	log   *streamLog
	epoch int64

	mu        sync.Mutex
	buffered  []bufferedEntry
	bufBytes  int
	closed    bool
	stopFlush chan struct{}
	stopOnce  sync.Once
}

// Write reserves a sequence, buffers the record, and flushes when the buffer
// crosses the configured size. With buffering disabled it flushes inline.
func (w *memWriter) Write(ctx context.Context, payload []byte) (uint64, error) {
	w.store.mu.Lock()
	storeClosed := w.store.closed
	w.store.mu.Unlock()
	if storeClosed {
		return 0, ErrStoreClosed
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWriterClosed
	}

	w.log.mu.Lock()
	if w.epoch < w.log.epoch {
		w.log.mu.Unlock()
		return 0, ErrFenced
	}
	seq := w.log.nextSeq
	w.log.nextSeq++
	w.log.mu.Unlock()

	record := make([]byte, len(payload))
	copy(record, payload)
	w.buffered = append(w.buffered, bufferedEntry{seq: seq, payload: record})
	w.bufBytes += len(record)

	if w.store.opts.OutputBufferSize == 0 || w.bufBytes >= w.store.opts.OutputBufferSize {
		if err := w.flushLocked(); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

// Flush forces buffered records into the stream log.
func (w *memWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.flushLocked()
}

func (w *memWriter) flushLocked() error {
	if len(w.buffered) == 0 {
		return nil
	}

	w.log.mu.Lock()
	defer w.log.mu.Unlock()
	if w.epoch < w.log.epoch {
		return ErrFenced
	}
	for _, e := range w.buffered {
		w.log.entries = append(w.log.entries, e.payload)
	}
	w.buffered = w.buffered[:0]
	w.bufBytes = 0
	return nil
}

// Close flushes and stops the periodic flusher. A fenced flush on close is
// not an error: the records belong to the new owner's epoch now.
func (w *memWriter) Close(ctx context.Context) error {
	w.stopOnce.Do(func() {
		if w.stopFlush != nil {
			close(w.stopFlush)
		}
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.flushLocked(); err != nil && err != ErrFenced {
		return err
	}
	return nil
}

func (w *memWriter) flushLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopFlush:
			return
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed {
				// Fencing is surfaced on the next Write, not here.
				_ = w.flushLocked()
			}
			w.mu.Unlock()
		}
	}
}
