package pg

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
)

// IdentifySystemResult holds the response to the IDENTIFY_SYSTEM replication
// command, plus the last acknowledged write position.
type IdentifySystemResult struct {
	SystemID string
	Database string
	Timeline int32
	xLogPos  atomic.Uint64
}

func (i *IdentifySystemResult) UpdateXLogPos(pos LSN) {
	for {
		current := i.xLogPos.Load()
		if uint64(pos) <= current {
			return
		}
		if i.xLogPos.CompareAndSwap(current, uint64(pos)) {
			return
		}
	}
}

func (i *IdentifySystemResult) LoadXLogPos() LSN {
	return LSN(i.xLogPos.Load())
}

func IdentifySystem(ctx context.Context, conn Connection) (*IdentifySystemResult, error) {
	reader := conn.Exec(ctx, "IDENTIFY_SYSTEM")
	results, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("identify system: %w", err)
	}

	if len(results) == 0 || len(results[0].Rows) != 1 || len(results[0].Rows[0]) < 4 {
		return nil, fmt.Errorf("identify system: unexpected response shape")
	}

	row := results[0].Rows[0]

	timeline, err := strconv.ParseInt(string(row[1]), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("identify system timeline: %w", err)
	}

	xLogPos, err := ParseLSN(string(row[2]))
	if err != nil {
		return nil, fmt.Errorf("identify system xlogpos: %w", err)
	}

	system := &IdentifySystemResult{
		SystemID: string(row[0]),
		Timeline: int32(timeline),
		Database: string(row[3]),
	}
	system.UpdateXLogPos(xLogPos)

	return system, nil
}

// WalSegmentSize reads wal_segment_size from the server through a SHOW
// command, which the replication protocol accepts as well.
func WalSegmentSize(ctx context.Context, conn Connection) (uint64, error) {
	reader := conn.Exec(ctx, "SHOW wal_segment_size")
	results, err := reader.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("show wal_segment_size: %w", err)
	}

	if len(results) == 0 || len(results[0].Rows) != 1 {
		return 0, fmt.Errorf("show wal_segment_size: unexpected response shape")
	}

	return parseSegmentSize(string(results[0].Rows[0][0]))
}

func parseSegmentSize(s string) (uint64, error) {
	var size uint64
	var unit string

	if _, err := fmt.Sscanf(s, "%d%s", &size, &unit); err != nil {
		// bare number of bytes
		if _, err := fmt.Sscanf(s, "%d", &size); err != nil {
			return 0, fmt.Errorf("parse wal_segment_size %q: %w", s, err)
		}
		return size, nil
	}

	switch unit {
	case "kB":
		size *= 1024
	case "MB":
		size *= 1024 * 1024
	case "GB":
		size *= 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("parse wal_segment_size %q: unknown unit %q", s, unit)
	}

	return size, nil
}
