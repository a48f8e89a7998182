package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/oh-db/oh_db/internal/ohdberr"
)

// MaxFrameSize bounds a single frame's declared length. It exists only
// to keep a hostile or corrupt length prefix from driving an
// unbounded allocation; legitimate oh_db traffic never approaches it.
const MaxFrameSize = 16 << 20 // 16 MiB

// WriteEnvelope frames env as a 4-byte big-endian length prefix
// followed by its JSON encoding, per spec §4.5's "length-prefixed
// binary structured record."
func WriteEnvelope(w io.Writer, env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return writeFrame(w, payload)
}

// writeFrame issues the header and payload as a single Write, so frames
// written concurrently to a goroutine-safe connection never interleave.
func writeFrame(w io.Writer, payload []byte) error {
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	_, err := w.Write(frame)
	return err
}

// ReadEnvelope reads one length-prefixed frame from r and decodes it as
// an Envelope. Per spec §7, a frame that cannot be parsed at all --
// truncated read, oversized length, or body that isn't well-formed
// envelope JSON -- returns an *ohdberr.FrameError: this is fatal to the
// session, and callers must close the connection without sending a
// response rather than try to resynchronize on the byte stream.
//
// A well-framed envelope whose Body doesn't match what its Type expects
// is NOT a framing error; that is surfaced later by DecodeBody as an
// ordinary in-band *ohdberr.Error, since only that one request is
// malformed and the stream itself is still trustworthy.
func ReadEnvelope(r io.Reader) (*Envelope, *ohdberr.FrameError) {
	payload, ferr := readFrame(r)
	if ferr != nil {
		return nil, ferr
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &ohdberr.FrameError{Cause: fmt.Errorf("malformed envelope: %w", err)}
	}
	if env.Type == "" {
		return nil, &ohdberr.FrameError{Cause: fmt.Errorf("envelope missing type")}
	}
	return &env, nil
}

func readFrame(r io.Reader) ([]byte, *ohdberr.FrameError) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, &ohdberr.FrameError{Cause: fmt.Errorf("reading frame header: %w", err)}
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, &ohdberr.FrameError{Cause: fmt.Errorf("frame length %d exceeds maximum %d", n, MaxFrameSize)}
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, &ohdberr.FrameError{Cause: fmt.Errorf("reading frame payload: %w", err)}
	}
	return payload, nil
}

// DecodeBody unmarshals env.Body into dst, returning the Protocol-group
// in-band error (spec §7) matching what went wrong for this one request.
func DecodeBody(env *Envelope, dst interface{}) *ohdberr.Error {
	if len(env.Body) == 0 {
		return ohdberr.Newf(ohdberr.MissingField, "%s: missing body", env.Type)
	}
	if err := json.Unmarshal(env.Body, dst); err != nil {
		return ohdberr.Newf(ohdberr.WrongFieldType, "%s: %s", env.Type, err)
	}
	return nil
}

// NewBody marshals a response/event body to json.RawMessage for
// embedding in an outgoing Envelope.
func NewBody(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// Every body type here is a plain struct of strings/slices/maps;
		// a marshal failure would mean a programmer error in this
		// package, not a runtime condition.
		panic(&ohdberr.Invariant{Context: "protocol: failed to marshal response body: " + err.Error()})
	}
	return raw
}
