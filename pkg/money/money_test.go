package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"125.50", 12550, false},
		{"0.01", 1, false},
		{"100", 10000, false},
		{"0", 0, false},
		{"-3.25", -325, false},
		{"1.999", 0, true},
		{"1.2.3", 0, true},
		{"abc", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Parse(tc.in)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "125.50", Format(12550))
	assert.Equal(t, "0.01", Format(1))
	assert.Equal(t, "0.00", Format(0))
	assert.Equal(t, "100.00", Format(10000))
	assert.Equal(t, "-3.25", Format(-325))
}

func TestRoundTrip(t *testing.T) {
	for _, n := range []int64{0, 1, 99, 100, 12550, -500} {
		got, err := Parse(Format(n))
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}
