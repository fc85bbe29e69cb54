package transport

import "fmt"

// The error kinds of spec.md §7, each a distinct type wrapping an
// underlying cause, following the ConnectError/PKIError/ProtocolError
// shape used throughout the teacher's connection handling.

// MalformedFrameError indicates a frame failed header or payload
// validation on decode.
type MalformedFrameError struct{ Err error }

func (e *MalformedFrameError) Error() string { return fmt.Sprintf("transport: malformed frame: %v", e.Err) }
func (e *MalformedFrameError) Unwrap() error { return e.Err }
func newMalformedFrameError(f string, a ...interface{}) error {
	return &MalformedFrameError{Err: fmt.Errorf(f, a...)}
}

// UnknownConnectionError indicates a frame referenced a connection_id with
// no registry entry and was not a CONNECT_REQUEST.
type UnknownConnectionError struct{ Err error }

func (e *UnknownConnectionError) Error() string {
	return fmt.Sprintf("transport: unknown connection: %v", e.Err)
}
func (e *UnknownConnectionError) Unwrap() error { return e.Err }
func newUnknownConnectionError(f string, a ...interface{}) error {
	return &UnknownConnectionError{Err: fmt.Errorf(f, a...)}
}

// ConnectionExpiredError indicates an operation was attempted against a
// connection already past CONNECTION_EXPIRE_TIMEOUT.
type ConnectionExpiredError struct{ Err error }

func (e *ConnectionExpiredError) Error() string {
	return fmt.Sprintf("transport: connection expired: %v", e.Err)
}
func (e *ConnectionExpiredError) Unwrap() error { return e.Err }
func newConnectionExpiredError(f string, a ...interface{}) error {
	return &ConnectionExpiredError{Err: fmt.Errorf(f, a...)}
}

// HandshakeTimeoutError indicates connect() did not observe a
// CONNECT_RESPONSE before its deadline.
type HandshakeTimeoutError struct{ Err error }

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("transport: handshake timeout: %v", e.Err)
}
func (e *HandshakeTimeoutError) Unwrap() error { return e.Err }
func newHandshakeTimeoutError(f string, a ...interface{}) error {
	return &HandshakeTimeoutError{Err: fmt.Errorf(f, a...)}
}

// MessageTimeoutError indicates send_data's completion future resolved to
// failure because the global deadline fired before every frame was acked.
type MessageTimeoutError struct{ Err error }

func (e *MessageTimeoutError) Error() string {
	return fmt.Sprintf("transport: message timeout: %v", e.Err)
}
func (e *MessageTimeoutError) Unwrap() error { return e.Err }
func newMessageTimeoutError(f string, a ...interface{}) error {
	return &MessageTimeoutError{Err: fmt.Errorf(f, a...)}
}

// AdmissionRejectedError indicates a frame could not be admitted by flow
// control within the caller's patience.
type AdmissionRejectedError struct{ Err error }

func (e *AdmissionRejectedError) Error() string {
	return fmt.Sprintf("transport: admission rejected: %v", e.Err)
}
func (e *AdmissionRejectedError) Unwrap() error { return e.Err }
func newAdmissionRejectedError(f string, a ...interface{}) error {
	return &AdmissionRejectedError{Err: fmt.Errorf(f, a...)}
}

// PeerDisconnectedError indicates the remote peer sent OFF or PEER_OFF.
type PeerDisconnectedError struct{ Err error }

func (e *PeerDisconnectedError) Error() string {
	return fmt.Sprintf("transport: peer disconnected: %v", e.Err)
}
func (e *PeerDisconnectedError) Unwrap() error { return e.Err }
func newPeerDisconnectedError(f string, a ...interface{}) error {
	return &PeerDisconnectedError{Err: fmt.Errorf(f, a...)}
}

// DuplicateMessageError indicates a data_id was already present in the
// received-message de-dup cache.
type DuplicateMessageError struct{ Err error }

func (e *DuplicateMessageError) Error() string {
	return fmt.Sprintf("transport: duplicate message: %v", e.Err)
}
func (e *DuplicateMessageError) Unwrap() error { return e.Err }
func newDuplicateMessageError(f string, a ...interface{}) error {
	return &DuplicateMessageError{Err: fmt.Errorf(f, a...)}
}

// BufferExhaustedError indicates the delivered-message queue or a registry
// reached capacity.
type BufferExhaustedError struct{ Err error }

func (e *BufferExhaustedError) Error() string {
	return fmt.Sprintf("transport: buffer exhausted: %v", e.Err)
}
func (e *BufferExhaustedError) Unwrap() error { return e.Err }
func newBufferExhaustedError(f string, a ...interface{}) error {
	return &BufferExhaustedError{Err: fmt.Errorf(f, a...)}
}

// CodecError wraps a frame.Encode/Decode failure outside of the
// malformed-header case (e.g. oversized payload at encode time).
type CodecError struct{ Err error }

func (e *CodecError) Error() string { return fmt.Sprintf("transport: codec error: %v", e.Err) }
func (e *CodecError) Unwrap() error { return e.Err }
func newCodecError(f string, a ...interface{}) error {
	return &CodecError{Err: fmt.Errorf(f, a...)}
}

// LocalSendError indicates the UDP adapter's WriteToUDP failed.
type LocalSendError struct{ Err error }

func (e *LocalSendError) Error() string { return fmt.Sprintf("transport: local send error: %v", e.Err) }
func (e *LocalSendError) Unwrap() error { return e.Err }
func newLocalSendError(f string, a ...interface{}) error {
	return &LocalSendError{Err: fmt.Errorf(f, a...)}
}

// FecUnrecoverableError indicates an FEC group had more than one missing
// member and could not be reconstructed; re-exported from fec.ErrUnrecoverable
// call sites that need the typed-error shape.
type FecUnrecoverableError struct{ Err error }

func (e *FecUnrecoverableError) Error() string {
	return fmt.Sprintf("transport: fec unrecoverable: %v", e.Err)
}
func (e *FecUnrecoverableError) Unwrap() error { return e.Err }
func newFecUnrecoverableError(f string, a ...interface{}) error {
	return &FecUnrecoverableError{Err: fmt.Errorf(f, a...)}
}
