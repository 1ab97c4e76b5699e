// Package protocol defines the wire format between write clients and proxies.
//
// Every frame is a 4-byte big-endian length followed by the frame body.
// Request bodies open with the 4-byte magic "SGW1" and a fixed header
// (api key, version, correlation id, client id); response bodies open with
// the correlation id and a status code. Non-OK statuses carry an owner hint
// (possibly empty) and a message; OK responses carry the API-specific body.
//
// Integers are big-endian. Strings are a uint16 length followed by UTF-8
// bytes; byte blobs are a uint32 length followed by raw bytes.
package protocol
