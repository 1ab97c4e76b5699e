package protocol

import (
	"fmt"

	"github.com/golang/snappy"
)

// Write request flags.
const (
	// FlagSnappy marks the payload as snappy-compressed.
	FlagSnappy uint16 = 1 << 0
)

// compressThreshold is the payload size above which clients compress.
const compressThreshold = 1024

// WriteRequest appends a record to a stream.
type WriteRequest struct {
	Stream  string
	Flags   uint16
	Payload []byte
}

// AppendTo encodes the request body.
func (q *WriteRequest) AppendTo(dst []byte) []byte {
	dst = appendString(dst, q.Stream)
	dst = appendUint16(dst, q.Flags)
	dst = appendBytes(dst, q.Payload)
	return dst
}

// Decode decodes the request body.
func (q *WriteRequest) Decode(payload []byte) error {
	r := newReader(payload)
	var err error
	if q.Stream, err = r.readString(); err != nil {
		return err
	}
	if q.Flags, err = r.readUint16(); err != nil {
		return err
	}
	if q.Payload, err = r.readBytes(); err != nil {
		return err
	}
	return nil
}

// PackPayload stores data in the request, snappy-compressing it when large
// enough to be worth the cycles.
func (q *WriteRequest) PackPayload(data []byte) {
	if len(data) >= compressThreshold {
		q.Flags |= FlagSnappy
		q.Payload = snappy.Encode(nil, data)
		return
	}
	q.Flags &^= FlagSnappy
	q.Payload = data
}

// UnpackPayload returns the record bytes, decompressing when flagged.
func (q *WriteRequest) UnpackPayload() ([]byte, error) {
	if q.Flags&FlagSnappy == 0 {
		return q.Payload, nil
	}
	data, err := snappy.Decode(nil, q.Payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: decompress payload: %w", err)
	}
	return data, nil
}

// WriteResponse acknowledges a durable append. Sequence is the record's
// position in the stream; Epoch is the owner's fencing epoch at write time.
type WriteResponse struct {
	Sequence uint64
	Epoch    int64
}

// AppendTo encodes the response body.
func (p *WriteResponse) AppendTo(dst []byte) []byte {
	dst = appendUint64(dst, p.Sequence)
	dst = appendUint64(dst, uint64(p.Epoch))
	return dst
}

// Decode decodes the response body.
func (p *WriteResponse) Decode(payload []byte) error {
	r := newReader(payload)
	seq, err := r.readUint64()
	if err != nil {
		return err
	}
	p.Sequence = seq

	epoch, err := r.readUint64()
	if err != nil {
		return err
	}
	p.Epoch = int64(epoch)
	return nil
}
