// Package serializer turns the RPC envelope (common.Message) into bytes and
// back. The nomad messages themselves travel as JSON inside Message.Payload, so
// a serializer only has to encode the envelope: the message type, the payload
// and an optional error string.
//
// Implementations:
//
//   - NewBinarySerializer: a small hand-written format. One byte carries the
//     message type, a flag byte marks which of payload and error are present,
//     and each present field is length prefixed. This is the CLI default.
//
//   - NewJSONSerializer: readable on the wire, handy with the http transport
//     and curl.
//
//   - NewGOBSerializer: encoding/gob. Works, but produces the largest frames
//     of the three (see benchmark_test.go).
//
// Client and server must use the same serializer; nothing on the wire
// identifies the format. All implementations are stateless and safe for
// concurrent use.
package serializer
