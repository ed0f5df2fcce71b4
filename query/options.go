// Package query is the public façade over this module's ext4 and NTFS
// decoders: it opens a volume from a path, runs the listing/read/recovery/
// search operations a caller needs, and hands back plain Go values. It is
// the only package an external front-end (a CLI, a GUI) should import.
package query

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/MrRooten/meta-reader/util"
)

// Options configures a volume handle. The zero value is valid: it disables
// scratch dumps and leaves partition bounds unset, meaning "the whole
// device or image, starting at byte 0".
type Options struct {
	// ScratchDir, if non-empty, is where unexpected-structure dumps are
	// written when a parser hits bytes it cannot make sense of. Empty
	// disables dumping entirely.
	ScratchDir string

	// PartitionOffset is the byte offset of the volume within the opened
	// device or image. 0 means the volume starts at byte 0 (a bare,
	// single-filesystem image).
	PartitionOffset int64

	// PartitionSize bounds how much of the device or image belongs to this
	// volume, so raw scans cannot run into a neighboring partition. 0 means
	// "everything from PartitionOffset to the end of the device or image".
	PartitionSize int64
}

// dumpScratch writes raw, unparsable bytes to ScratchDir for offline
// inspection, naming the file after what failed to parse and why. It never
// returns an error: a scratch dump is a diagnostic best-effort, and a
// failure to write one must not mask the original parse error.
func (o Options) dumpScratch(label string, data []byte) {
	if o.ScratchDir == "" {
		return
	}
	dump := util.DumpByteSlice(data, 16, true, true, false, nil)
	name := filepath.Join(o.ScratchDir, fmt.Sprintf("error_data_%s", label))
	_ = os.WriteFile(name, []byte(dump), 0o644)
}
