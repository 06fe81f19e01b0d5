package pg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLSN(t *testing.T) {
	tests := []struct {
		input    string
		expected LSN
		wantErr  bool
	}{
		{input: "0/0", expected: 0},
		{input: "0/16B3748", expected: 0x16B3748},
		{input: "16/B374D848", expected: 0x16B374D848},
		{input: "FFFFFFFF/FFFFFFFF", expected: 0xFFFFFFFFFFFFFFFF},
		{input: "garbage", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			lsn, err := ParseLSN(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, lsn)
		})
	}
}

func TestLSNString(t *testing.T) {
	assert.Equal(t, "0/16B3748", LSN(0x16B3748).String())
	assert.Equal(t, "16/B374D848", LSN(0x16B374D848).String())
	assert.Equal(t, "0/0", InvalidLSN.String())
}

func TestLSNRoundTrip(t *testing.T) {
	for _, lsn := range []LSN{0, 1, 0xDEADBEEF, 0x123400000000, 0xFFFFFFFFFFFFFFFF} {
		parsed, err := ParseLSN(lsn.String())
		require.NoError(t, err)
		assert.Equal(t, lsn, parsed)
	}
}
