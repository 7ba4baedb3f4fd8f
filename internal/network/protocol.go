package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"
)

// DefaultMaxFrameSize bounds one request or reply (64 MiB). A BatchSubmit of
// a few thousand test-parameter ciphertexts fits below it.
const DefaultMaxFrameSize = 64 << 20

// lengthPrefixSize is the size of the frame length prefix in bytes.
const lengthPrefixSize = 4

// Stream reset codes a Core sends instead of a reply frame.
const (
	codeHandlerFailed quic.StreamErrorCode = 1 // the request handler returned an error
	codeFrameTooLarge quic.StreamErrorCode = 2 // the request exceeded the Core's frame limit
)

// ErrFrameTooLarge matches every *FrameTooLargeError.
var ErrFrameTooLarge = errors.New("network: frame too large")

// FrameTooLargeError reports a frame over a node's limit. Retrying the same
// bytes cannot succeed.
type FrameTooLargeError struct {
	Size   int  // Size is the frame length, 0 when the remote did not say
	Limit  int  // Limit is the enforcing node's limit, 0 when remote
	Remote bool // Remote is set when the peer refused the frame
}

func (e *FrameTooLargeError) Error() string {
	if e.Remote {
		return fmt.Sprintf("peer refused a frame of %d bytes as too large", e.Size)
	}

	return fmt.Sprintf("frame of %d bytes exceeds %d", e.Size, e.Limit)
}

// Is matches ErrFrameTooLarge.
func (e *FrameTooLargeError) Is(target error) bool {
	return target == ErrFrameTooLarge
}

// writeFrame writes a length-prefixed frame.
// Format: [4 bytes big-endian length] [payload]
func writeFrame(w io.Writer, data []byte, limit int) error {
	if len(data) > limit {
		return &FrameTooLargeError{Size: len(data), Limit: limit}
	}

	buf := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[lengthPrefixSize:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame:\n%w", err)
	}

	return nil
}

// readFrame reads one length-prefixed frame of at most limit bytes. The
// length is checked before the payload is allocated.
func readFrame(r io.Reader, limit int) ([]byte, error) {
	var prefix [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read length:\n%w", err)
	}

	length := int(binary.BigEndian.Uint32(prefix[:]))
	if length > limit {
		return nil, &FrameTooLargeError{Size: length, Limit: limit}
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload of %d bytes:\n%w", length, err)
	}

	return data, nil
}

// remoteRefusal turns a peer's frame-limit reset into a FrameTooLargeError
// for a request of size bytes. Other errors are returned unchanged.
func remoteRefusal(err error, size int) error {
	var se *quic.StreamError
	if errors.As(err, &se) && se.Remote && se.ErrorCode == codeFrameTooLarge {
		return &FrameTooLargeError{Size: size, Remote: true}
	}

	return err
}
