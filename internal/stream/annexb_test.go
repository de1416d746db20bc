package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/lightfield/internal/errors"
)

func TestConvertAVCC(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		in      []byte
		want    []byte
		wantErr string
	}{
		{
			name: "two units",
			in:   []byte{0, 0, 0, 2, 0x67, 0x42, 0, 0, 0, 1, 0x65},
			want: []byte{0, 0, 0, 1, 0x67, 0x42, 0, 0, 0, 1, 0x65},
		},
		{name: "empty", in: []byte{}, want: []byte{}},
		{name: "truncated length", in: []byte{0, 0, 1}, wantErr: "partial NAL length"},
		{name: "truncated body", in: []byte{0, 0, 0, 5, 0x65, 0x88}, wantErr: "partial NAL body"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ConvertAVCC(tc.in)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				assert.True(t, errors.IsCategory(err, errors.CategoryDecode))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSplitAnnexB(t *testing.T) {
	t.Parallel()

	in := []byte{
		0, 0, 0, 1, 0x67, 0x42, 0x00,
		0, 0, 1, 0x68, 0xce,
		0, 0, 0, 1, 0x65, 0x88, 0x84,
	}
	got := SplitAnnexB(in)
	require.Len(t, got, 3)
	assert.Equal(t, []byte{0x67, 0x42}, got[0])
	assert.Equal(t, []byte{0x68, 0xce}, got[1])
	assert.Equal(t, []byte{0x65, 0x88, 0x84}, got[2])

	assert.Empty(t, SplitAnnexB([]byte{0x65, 0x88}))
	assert.Empty(t, SplitAnnexB(nil))
}

func TestMarshalAnnexBRoundTrip(t *testing.T) {
	t.Parallel()

	nalus := [][]byte{{0x67, 0x64, 0x1f}, {0x68, 0xeb}, {0x65, 0x88, 0x80}}
	assert.Equal(t, nalus, SplitAnnexB(MarshalAnnexB(nalus)))
}
