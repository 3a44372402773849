package store

import "encoding/binary"

// StatLen is the on-disk size of a Stat blob: four little-endian
// uint32 fields. This is a private wire format; it must never be a
// dump of the host's native struct layout, since that layout isn't
// stable across architectures and the blob has to outlive the
// process that wrote it.
const StatLen = 16

// Stat is the overlay-authoritative attribute set for one inode:
// everything that isn't "content" in the foreign OS's view of a file.
type Stat struct {
	Mode uint32
	Uid  uint32
	Gid  uint32
	Rdev uint32
}

// Encode serializes a Stat into its 16-byte wire form.
func (s Stat) Encode() []byte {
	buf := make([]byte, StatLen)
	binary.LittleEndian.PutUint32(buf[0:4], s.Mode)
	binary.LittleEndian.PutUint32(buf[4:8], s.Uid)
	binary.LittleEndian.PutUint32(buf[8:12], s.Gid)
	binary.LittleEndian.PutUint32(buf[12:16], s.Rdev)
	return buf
}

// DecodeStat parses a Stat out of its 16-byte wire form. A blob of
// the wrong length indicates the store has been corrupted or written
// by an incompatible version; the caller is expected to treat that as
// fatal, not to recover from it here.
func DecodeStat(buf []byte) (Stat, bool) {
	if len(buf) != StatLen {
		return Stat{}, false
	}
	return Stat{
		Mode: binary.LittleEndian.Uint32(buf[0:4]),
		Uid:  binary.LittleEndian.Uint32(buf[4:8]),
		Gid:  binary.LittleEndian.Uint32(buf[8:12]),
		Rdev: binary.LittleEndian.Uint32(buf[12:16]),
	}, true
}
