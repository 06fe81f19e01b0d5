package pg

import "fmt"

const DefaultWalSegmentSize = 16 * 1024 * 1024

// WalSegmentName computes the on-disk name of the WAL segment holding lsn,
// the same 24-hex-digit name the server uses under pg_wal.
func WalSegmentName(timeline int32, lsn LSN, walSegSz uint64) string {
	segno := uint64(lsn) / walSegSz
	segmentsPerXLogID := uint64(0x100000000) / walSegSz

	return fmt.Sprintf("%08X%08X%08X",
		timeline,
		uint32(segno/segmentsPerXLogID),
		uint32(segno%segmentsPerXLogID))
}

// WalSegmentStart returns the first LSN belonging to the segment holding lsn.
func WalSegmentStart(lsn LSN, walSegSz uint64) LSN {
	return LSN((uint64(lsn) / walSegSz) * walSegSz)
}

// SameWalSegment reports whether a and b land in the same WAL segment.
func SameWalSegment(a, b LSN, walSegSz uint64) bool {
	return uint64(a)/walSegSz == uint64(b)/walSegSz
}
