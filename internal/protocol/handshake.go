package protocol

// HandshakeRequest announces a client to a proxy and optionally asks for the
// proxy's view of cluster-wide stream ownership so the client can prime its
// routing cache in one round trip.
type HandshakeRequest struct {
	// ClientName is a stable human-chosen label; ClientUUID is unique per
	// client process. Both are informational.
	ClientName string
	ClientUUID string

	// GetOwnerships asks the proxy to include its ownership snapshot.
	GetOwnerships bool
}

// AppendTo encodes the request body.
func (q *HandshakeRequest) AppendTo(dst []byte) []byte {
	dst = appendString(dst, q.ClientName)
	dst = appendString(dst, q.ClientUUID)
	if q.GetOwnerships {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	return dst
}

// Decode decodes the request body.
func (q *HandshakeRequest) Decode(payload []byte) error {
	r := newReader(payload)
	var err error
	if q.ClientName, err = r.readString(); err != nil {
		return err
	}
	if q.ClientUUID, err = r.readString(); err != nil {
		return err
	}
	if r.remaining() < 1 {
		return ErrShortBuffer
	}
	q.GetOwnerships = r.buf[r.off] != 0
	r.off++
	return nil
}

// HandshakeResponse carries the proxy's ownership snapshot: stream name to
// owner address in "scheme!host:port" form. Empty when GetOwnerships was
// false or the proxy could not read the registry.
type HandshakeResponse struct {
	Ownerships map[string]string
}

// AppendTo encodes the response body.
func (p *HandshakeResponse) AppendTo(dst []byte) []byte {
	dst = appendUint32(dst, uint32(len(p.Ownerships)))
	for stream, owner := range p.Ownerships {
		dst = appendString(dst, stream)
		dst = appendString(dst, owner)
	}
	return dst
}

// Decode decodes the response body.
func (p *HandshakeResponse) Decode(payload []byte) error {
	r := newReader(payload)
	count, err := r.readUint32()
	if err != nil {
		return err
	}
	p.Ownerships = make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		stream, err := r.readString()
		if err != nil {
			return err
		}
		owner, err := r.readString()
		if err != nil {
			return err
		}
		p.Ownerships[stream] = owner
	}
	return nil
}
