package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrMessageTooLarge is returned when a frame body exceeds MaxMessageSize,
	// on either the sending or the receiving side.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrTruncated is returned when the stream ends partway through a frame.
	ErrTruncated = errors.New("truncated frame")
)

type flusher interface {
	Flush() error
}

// Send encodes msg and writes it as a single length-prefixed frame.
// If w can be flushed, it is flushed after the write.
func Send(w io.Writer, msg Message) error {
	body, err := Marshal(msg)
	if err != nil {
		return err
	}
	if err := writeFrame(w, body); err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind(), err)
	}
	if f, ok := w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("send %s: flush: %w", msg.Kind(), err)
		}
	}
	return nil
}

// Receive reads one frame and decodes it into msg. A frame carrying a
// different kind is a decode error.
func Receive(r io.Reader, msg Message) error {
	body, err := readFrame(r)
	if err != nil {
		return fmt.Errorf("receive %s: %w", msg.Kind(), err)
	}
	if err := UnmarshalInto(body, msg); err != nil {
		return fmt.Errorf("receive %s: %w", msg.Kind(), err)
	}
	return nil
}

// ReceiveAny reads one frame and decodes whichever message it carries.
func ReceiveAny(r io.Reader) (Message, error) {
	body, err := readFrame(r)
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	msg, err := Unmarshal(body)
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	return msg, nil
}

func writeFrame(w io.Writer, body []byte) error {
	if len(body) > MaxMessageSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, len(body), MaxMessageSize)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	if _, err := w.Write(frame); err != nil {
		return err
	}
	return nil
}

// readFrame returns io.EOF (wrapped) only when the stream ends cleanly before
// any prefix byte. Every other short read is ErrTruncated.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("stream closed: %w", io.EOF)
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: length prefix: %w", ErrTruncated, err)
		}
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if uint64(size) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, size, MaxMessageSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: body wants %d bytes: %w", ErrTruncated, size, err)
		}
		return nil, err
	}
	return body, nil
}
