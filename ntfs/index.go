package ntfs

import (
	"bytes"
	"fmt"

	"github.com/MrRooten/meta-reader/blockio"
)

const indexBlockSignature = "INDX"

const (
	indexEntryFlagHasSubNode uint16 = 0x1
	indexEntryFlagIsLast     uint16 = 0x2
)

const indexHeaderFlagHasSubNodes uint8 = 0x1

// IndexEntry is one decoded B-tree entry: the $FILE_NAME stream it carries
// (for a directory index, every entry's stream is the indexed file's
// $FILE_NAME attribute value) plus the VCN of the child index block below
// it, if any.
type IndexEntry struct {
	FileRef    FileReference
	Stream     []byte
	HasSubNode bool
	SubNodeVCN uint64
	IsLast     bool
}

// indexHeader is the 16-byte header shared by $INDEX_ROOT's embedded index
// and every $INDEX_ALLOCATION index block.
type indexHeader struct {
	entriesOffset uint32 // relative to the start of this header
	totalSize     uint32
	allocatedSize uint32
	flags         uint8
}

func indexHeaderFromBytes(b []byte) (*indexHeader, error) {
	if len(b) < 16 {
		return nil, fmt.Errorf("%w: index header needs 16 bytes, got %d", blockio.ErrOutOfByteRange, len(b))
	}
	c := blockio.NewCursor(b)
	entriesOffset, err := c.U32LE(0x0)
	if err != nil {
		return nil, err
	}
	totalSize, err := c.U32LE(0x4)
	if err != nil {
		return nil, err
	}
	allocatedSize, err := c.U32LE(0x8)
	if err != nil {
		return nil, err
	}
	flags, err := c.U8(0xC)
	if err != nil {
		return nil, err
	}
	return &indexHeader{entriesOffset: entriesOffset, totalSize: totalSize, allocatedSize: allocatedSize, flags: flags}, nil
}

func (h *indexHeader) hasSubNodes() bool { return h.flags&indexHeaderFlagHasSubNodes != 0 }

// parseIndexEntries walks the entry list starting at body[header.entriesOffset:]
// up to header.totalSize, stopping at the entry flagged IsLast.
func parseIndexEntries(body []byte, header *indexHeader) ([]IndexEntry, error) {
	start := int(header.entriesOffset)
	end := blockio.SaturateLen(start, int(header.totalSize)-int(header.entriesOffset), len(body))
	if end <= 0 {
		return nil, nil
	}
	data := body[start : start+end]

	var entries []IndexEntry
	offset := 0
	for offset+16 <= len(data) {
		c := blockio.NewCursor(data[offset:])
		fileRefBytes, err := c.SubBytes(0x0, 8)
		if err != nil {
			break
		}
		entryLen, err := c.U16LE(0x8)
		if err != nil {
			break
		}
		streamLen, err := c.U16LE(0xA)
		if err != nil {
			break
		}
		flags, err := c.U16LE(0xC)
		if err != nil {
			break
		}
		if entryLen < 16 || offset+int(entryLen) > len(data) {
			break
		}

		entry := IndexEntry{
			IsLast:     flags&indexEntryFlagIsLast != 0,
			HasSubNode: flags&indexEntryFlagHasSubNode != 0,
		}
		if !entry.IsLast {
			fileRef, err := fileReferenceFromBytes(fileRefBytes)
			if err == nil {
				entry.FileRef = fileRef
			}
			streamEnd := blockio.SaturateLen(0x10, int(streamLen), int(entryLen))
			if streamEnd > 0 {
				entry.Stream = append([]byte(nil), data[offset+0x10:offset+0x10+streamEnd]...)
			}
		}
		if entry.HasSubNode && int(entryLen) >= 8 {
			vcnOff := offset + int(entryLen) - 8
			if vcnOff+8 <= len(data) {
				vc := blockio.NewCursor(data[vcnOff:])
				if vcn, err := vc.U64LE(0); err == nil {
					entry.SubNodeVCN = vcn
				}
			}
		}

		entries = append(entries, entry)
		if entry.IsLast {
			break
		}
		offset += int(entryLen)
	}

	return entries, nil
}

// indexAllocationBlock decodes one fixed-up $INDEX_ALLOCATION record
// ("INDX" block).
func indexAllocationBlockFromBytes(b []byte, bytesPerSector uint16) (*indexHeader, []byte, error) {
	if len(b) < 0x28 || !bytes.Equal(b[:4], []byte(indexBlockSignature)) {
		return nil, nil, fmt.Errorf("%w: not an INDX block", blockio.ErrStructureInvalid)
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	c := blockio.NewCursor(buf)

	updateSeqOffset, err := c.U16LE(0x4)
	if err != nil {
		return nil, nil, err
	}
	updateSeqSize, err := c.U16LE(0x6)
	if err != nil {
		return nil, nil, err
	}
	if err := applyFixUp(buf, int(updateSeqOffset), int(updateSeqSize), bytesPerSector); err != nil {
		return nil, nil, err
	}

	header, err := indexHeaderFromBytes(buf[0x18:])
	if err != nil {
		return nil, nil, err
	}
	return header, buf[0x18:], nil
}

// indexBlockSource resolves a VCN (virtual cluster number relative to the
// start of $INDEX_ALLOCATION) to the bytes of that index block.
type indexBlockSource interface {
	readIndexBlock(vcn uint64) ([]byte, error)
}

// walkDirectoryIndex traverses a directory's B-tree iteratively (an
// explicit stack, never recursion, for the same untrusted-structure reason
// extent trees are walked iteratively) and returns every entry in the
// order encountered - in-order traversal is not reconstructed since
// forensic listing only needs completeness, not sorted output.
func walkDirectoryIndex(rootHeader *indexHeader, rootBody []byte, src indexBlockSource, bytesPerSector uint16) ([]IndexEntry, error) {
	rootEntries, err := parseIndexEntries(rootBody, rootHeader)
	if err != nil {
		return nil, err
	}

	var all []IndexEntry
	type pending struct{ vcn uint64 }
	var stack []pending

	for _, e := range rootEntries {
		if !e.IsLast {
			all = append(all, e)
		}
		if e.HasSubNode {
			stack = append(stack, pending{vcn: e.SubNodeVCN})
		}
	}

	const maxNodes = 1 << 20
	visited := 0
	for len(stack) > 0 {
		visited++
		if visited > maxNodes {
			return nil, fmt.Errorf("%w: index tree exceeds %d nodes, refusing to continue", blockio.ErrStructureInvalid, maxNodes)
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		raw, err := src.readIndexBlock(top.vcn)
		if err != nil {
			return all, fmt.Errorf("reading index block vcn %d: %w", top.vcn, err)
		}
		header, body, err := indexAllocationBlockFromBytes(raw, bytesPerSector)
		if err != nil {
			return all, err
		}
		entries, err := parseIndexEntries(body, header)
		if err != nil {
			return all, err
		}
		for _, e := range entries {
			if !e.IsLast {
				all = append(all, e)
			}
			if e.HasSubNode {
				stack = append(stack, pending{vcn: e.SubNodeVCN})
			}
		}
	}

	return all, nil
}
