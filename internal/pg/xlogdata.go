package pg

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
)

const (
	XLogDataByteID                = 'w'
	PrimaryKeepaliveMessageByteID = 'k'
	StandbyStatusUpdateByteID     = 'r'
)

var microSecFromUnixEpochToY2K = int64(946684800 * 1000000)

type XLogData struct {
	ServerTime   time.Time
	WALData      []byte
	WALStart     LSN
	ServerWALEnd LSN
}

func ParseXLogData(buf []byte) (XLogData, error) {
	var xld XLogData
	if len(buf) < 24 {
		return xld, fmt.Errorf("XLogData must be at least 24 bytes, got %d", len(buf))
	}

	xld.WALStart = LSN(binary.BigEndian.Uint64(buf))
	xld.ServerWALEnd = LSN(binary.BigEndian.Uint64(buf[8:]))
	xld.ServerTime = pgTimeToTime(int64(binary.BigEndian.Uint64(buf[16:])))
	xld.WALData = buf[24:]

	return xld, nil
}

type PrimaryKeepalive struct {
	ServerTime     time.Time
	ServerWALEnd   LSN
	ReplyRequested bool
}

func ParsePrimaryKeepalive(buf []byte) (PrimaryKeepalive, error) {
	var pka PrimaryKeepalive
	if len(buf) < 17 {
		return pka, fmt.Errorf("keepalive must be at least 17 bytes, got %d", len(buf))
	}

	pka.ServerWALEnd = LSN(binary.BigEndian.Uint64(buf))
	pka.ServerTime = pgTimeToTime(int64(binary.BigEndian.Uint64(buf[8:])))
	pka.ReplyRequested = buf[16] != 0

	return pka, nil
}

// SendStandbyStatusUpdate acknowledges progress to the sending server. The
// three positions mirror the sentinel row: written, flushed, and applied.
func SendStandbyStatusUpdate(_ context.Context, conn Connection, write, flush, apply LSN, replyRequested bool) error {
	data := make([]byte, 0, 34)
	data = append(data, StandbyStatusUpdateByteID)
	data = binary.BigEndian.AppendUint64(data, uint64(write))
	data = binary.BigEndian.AppendUint64(data, uint64(flush))
	data = binary.BigEndian.AppendUint64(data, uint64(apply))
	data = binary.BigEndian.AppendUint64(data, uint64(timeToPgTime(time.Now())))
	if replyRequested {
		data = append(data, 1)
	} else {
		data = append(data, 0)
	}

	conn.Frontend().Send(&pgproto3.CopyData{Data: data})
	if err := conn.Frontend().Flush(); err != nil {
		return fmt.Errorf("standby status update: %w", err)
	}

	return nil
}

func pgTimeToTime(microSecSinceY2K int64) time.Time {
	micros := microSecFromUnixEpochToY2K + microSecSinceY2K
	return time.Unix(micros/1_000_000, (micros%1_000_000)*1_000).UTC()
}

func timeToPgTime(t time.Time) int64 {
	return t.UnixMicro() - microSecFromUnixEpochToY2K
}
