// Package blockio provides positioned byte access to raw block devices and
// image files, and bounds-checked numeric extraction over byte buffers.
package blockio

import "errors"

// Error kinds shared by every decoder in this module. Callers distinguish
// them with errors.Is; the concrete error returned is always wrapped with
// fmt.Errorf("...: %w", ...) for context.
var (
	// ErrIo is a read or seek failure on the underlying device.
	ErrIo = errors.New("io error")
	// ErrOutOfByteRange is a structural field extraction beyond the available buffer.
	ErrOutOfByteRange = errors.New("out of byte range")
	// ErrStructureInvalid is a magic mismatch, impossible size, or malformed run list.
	ErrStructureInvalid = errors.New("structure invalid")
	// ErrNotFound is a path or record lookup miss.
	ErrNotFound = errors.New("not found")
	// ErrWrongType is e.g. treating a file as a directory.
	ErrWrongType = errors.New("wrong type")
	// ErrUnsupportedFeature is e.g. an encrypted attribute or unknown USN version.
	ErrUnsupportedFeature = errors.New("unsupported feature")
)
