package protocol

import "fmt"

// RequestHeader prefixes every request body, after the magic.
type RequestHeader struct {
	APIKey        int16
	Version       int16
	CorrelationID int32
	ClientID      string
}

// AppendRequestHeader appends the magic and header to dst.
func AppendRequestHeader(dst []byte, h RequestHeader) []byte {
	dst = append(dst, Magic...)
	dst = appendUint16(dst, uint16(h.APIKey))
	dst = appendUint16(dst, uint16(h.Version))
	dst = appendUint32(dst, uint32(h.CorrelationID))
	dst = appendString(dst, h.ClientID)
	return dst
}

// DecodeRequestHeader reads the magic and header from a request frame body,
// returning the header and the remaining API-specific payload.
func DecodeRequestHeader(body []byte) (RequestHeader, []byte, error) {
	if len(body) < len(Magic) {
		return RequestHeader{}, nil, ErrShortBuffer
	}
	if string(body[:len(Magic)]) != Magic {
		return RequestHeader{}, nil, ErrBadMagic
	}

	r := newReader(body[len(Magic):])
	var h RequestHeader

	apiKey, err := r.readUint16()
	if err != nil {
		return RequestHeader{}, nil, err
	}
	h.APIKey = int16(apiKey)

	version, err := r.readUint16()
	if err != nil {
		return RequestHeader{}, nil, err
	}
	h.Version = int16(version)

	correlationID, err := r.readUint32()
	if err != nil {
		return RequestHeader{}, nil, err
	}
	h.CorrelationID = int32(correlationID)

	if h.ClientID, err = r.readString(); err != nil {
		return RequestHeader{}, nil, err
	}

	switch h.APIKey {
	case APIHandshake, APIWrite, APIQueryOwnership, APIRelease:
	default:
		return RequestHeader{}, nil, fmt.Errorf("%w: %d", ErrUnknownAPI, h.APIKey)
	}

	return h, r.rest(), nil
}

// ResponseHeader prefixes every response body. OwnerHint is the textual
// address of the believed owner, set on StatusNotOwner and empty otherwise;
// Message is a human-readable error description for non-OK statuses.
type ResponseHeader struct {
	CorrelationID int32
	Status        Status
	OwnerHint     string
	Message       string
}

// AppendResponseHeader appends the response header to dst.
func AppendResponseHeader(dst []byte, h ResponseHeader) []byte {
	dst = appendUint32(dst, uint32(h.CorrelationID))
	dst = appendUint16(dst, uint16(h.Status))
	dst = appendString(dst, h.OwnerHint)
	dst = appendString(dst, h.Message)
	return dst
}

// DecodeResponseHeader reads the response header from a frame body, returning
// it and the remaining API-specific payload.
func DecodeResponseHeader(body []byte) (ResponseHeader, []byte, error) {
	r := newReader(body)
	var h ResponseHeader

	correlationID, err := r.readUint32()
	if err != nil {
		return ResponseHeader{}, nil, err
	}
	h.CorrelationID = int32(correlationID)

	status, err := r.readUint16()
	if err != nil {
		return ResponseHeader{}, nil, err
	}
	h.Status = Status(int16(status))

	if h.OwnerHint, err = r.readString(); err != nil {
		return ResponseHeader{}, nil, err
	}
	if h.Message, err = r.readString(); err != nil {
		return ResponseHeader{}, nil, err
	}

	return h, r.rest(), nil
}
