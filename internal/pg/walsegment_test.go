package pg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalSegmentName(t *testing.T) {
	tests := []struct {
		name     string
		timeline int32
		lsn      LSN
		expected string
	}{
		{name: "origin", timeline: 1, lsn: 0, expected: "000000010000000000000000"},
		{name: "first segment", timeline: 1, lsn: 0x16B3748, expected: "000000010000000000000001"},
		{name: "high xlogid", timeline: 1, lsn: 0x16B374D848, expected: "0000000100000016000000B3"},
		{name: "timeline two", timeline: 2, lsn: 0x1000000, expected: "000000020000000000000001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected,
				WalSegmentName(tt.timeline, tt.lsn, DefaultWalSegmentSize))
		})
	}
}

func TestSameWalSegment(t *testing.T) {
	assert.True(t, SameWalSegment(0x100, 0x200, DefaultWalSegmentSize))
	assert.False(t, SameWalSegment(0xFFFFFF, 0x1000000, DefaultWalSegmentSize))
}

func TestWalSegmentStart(t *testing.T) {
	assert.Equal(t, LSN(0x1000000), WalSegmentStart(0x16B3748, DefaultWalSegmentSize))
	assert.Equal(t, LSN(0), WalSegmentStart(0x123, DefaultWalSegmentSize))
}

func TestParseSegmentSize(t *testing.T) {
	tests := []struct {
		input    string
		expected uint64
		wantErr  bool
	}{
		{input: "16MB", expected: 16 * 1024 * 1024},
		{input: "1GB", expected: 1024 * 1024 * 1024},
		{input: "16384kB", expected: 16384 * 1024},
		{input: "16777216", expected: 16777216},
		{input: "16TB", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			size, err := parseSegmentSize(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, size)
		})
	}
}
