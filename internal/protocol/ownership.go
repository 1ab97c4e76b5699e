package protocol

// QueryOwnershipRequest asks a proxy who owns a stream without writing to it.
type QueryOwnershipRequest struct {
	Stream string
}

// AppendTo encodes the request body.
func (q *QueryOwnershipRequest) AppendTo(dst []byte) []byte {
	return appendString(dst, q.Stream)
}

// Decode decodes the request body.
func (q *QueryOwnershipRequest) Decode(payload []byte) error {
	r := newReader(payload)
	var err error
	q.Stream, err = r.readString()
	return err
}

// QueryOwnershipResponse names the current owner of the stream.
type QueryOwnershipResponse struct {
	Owner string
}

// AppendTo encodes the response body.
func (p *QueryOwnershipResponse) AppendTo(dst []byte) []byte {
	return appendString(dst, p.Owner)
}

// Decode decodes the response body.
func (p *QueryOwnershipResponse) Decode(payload []byte) error {
	r := newReader(payload)
	var err error
	p.Owner, err = r.readString()
	return err
}

// ReleaseRequest asks the receiving proxy to give up ownership of a stream,
// typically ahead of planned maintenance.
type ReleaseRequest struct {
	Stream string
}

// AppendTo encodes the request body.
func (q *ReleaseRequest) AppendTo(dst []byte) []byte {
	return appendString(dst, q.Stream)
}

// Decode decodes the request body.
func (q *ReleaseRequest) Decode(payload []byte) error {
	r := newReader(payload)
	var err error
	q.Stream, err = r.readString()
	return err
}

// ReleaseResponse is empty; the status carries the outcome.
type ReleaseResponse struct{}

// AppendTo encodes the response body.
func (p *ReleaseResponse) AppendTo(dst []byte) []byte { return dst }

// Decode decodes the response body.
func (p *ReleaseResponse) Decode(payload []byte) error { return nil }
