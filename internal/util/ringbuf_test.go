package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSampleRingFIFO(t *testing.T) {
	r := NewSampleRing(8)
	r.Write([]int16{1, 2, 3})

	out := make([]byte, 4)
	n := r.FillLE(out)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{1, 0, 2, 0}, out)
	assert.Equal(t, 1, r.Len())
}

func TestSampleRingDropsOldestWhenFull(t *testing.T) {
	r := NewSampleRing(3)
	r.Write([]int16{1, 2, 3, 4, 5})

	out := make([]byte, 6)
	r.FillLE(out)
	assert.Equal(t, []byte{3, 0, 4, 0, 5, 0}, out)
}

func TestSampleRingZeroPadsWhenEmpty(t *testing.T) {
	r := NewSampleRing(4)
	out := []byte{9, 9, 9, 9}
	n := r.FillLE(out)
	assert.Equal(t, 0, n)
	assert.Equal(t, []byte{0, 0, 0, 0}, out)
}

func TestValidateParticipantID(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"alice", "alice", true},
		{"  bob  ", "bob", true},
		{"user_1a2b3c4d", "user_1a2b3c4d", true},
		{"", "", false},
		{"   ", "", false},
		{"a/b", "", false},
		{"a b", "", false},
		{"..", "", false},
	}
	for _, tt := range tests {
		got, err := ValidateParticipantID(tt.in)
		if tt.ok {
			assert.NoError(t, err, tt.in)
			assert.Equal(t, tt.want, got)
		} else {
			assert.Error(t, err, tt.in)
		}
	}
}
