package protocol

import "errors"

// Magic identifies a streamgate request frame.
const Magic = "SGW1"

// Version is the current protocol version.
const Version int16 = 1

// MaxFrameSize bounds a single frame; larger frames are rejected before
// allocation.
const MaxFrameSize = 16 << 20

// MaxStringLen is the longest string a frame can carry; string fields use a
// 16-bit length prefix.
const MaxStringLen = 1<<16 - 1

// API keys.
const (
	APIHandshake      int16 = 0
	APIWrite          int16 = 1
	APIQueryOwnership int16 = 2
	APIRelease        int16 = 3
)

// Status is the response status code.
type Status int16

// Response statuses.
const (
	StatusOK             Status = 0
	StatusNotOwner       Status = 1
	StatusStreamNotFound Status = 2
	StatusLockTimeout    Status = 3
	StatusBadRequest     Status = 4
	StatusInternalError  Status = 5
	StatusUnavailable    Status = 6
)

// String returns the status name for logs and errors.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotOwner:
		return "NOT_OWNER"
	case StatusStreamNotFound:
		return "STREAM_NOT_FOUND"
	case StatusLockTimeout:
		return "LOCK_TIMEOUT"
	case StatusBadRequest:
		return "BAD_REQUEST"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	case StatusUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// Codec errors.
var (
	// ErrShortBuffer is returned when a frame body ends before a field.
	ErrShortBuffer = errors.New("protocol: short buffer")

	// ErrBadMagic is returned when a request frame does not start with Magic.
	ErrBadMagic = errors.New("protocol: bad magic")

	// ErrFrameTooLarge is returned when a frame length exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame too large")

	// ErrUnknownAPI is returned for an api key this version does not know.
	ErrUnknownAPI = errors.New("protocol: unknown api key")
)
