package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	assert.False(t, NewLogger(false).Core().Enabled(zapcore.DebugLevel))
	assert.True(t, NewLogger(true).Core().Enabled(zapcore.DebugLevel))
}

func TestFormatCommand(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"note on", []byte{0x90, 60, 127}, "note on  ch1  C4  vel 127"},
		{"note off channel 10", []byte{0x89, 33, 0}, "note off ch10 A1  vel 0"},
		{"program change", []byte{0xC0, 5}, "C0 05"},
		{"clock", []byte{0xF8}, "F8"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FormatCommand(tc.data))
		})
	}
}

func TestPitchName(t *testing.T) {
	assert.Equal(t, "C4", pitchName(60))
	assert.Equal(t, "A4", pitchName(69))
	assert.Equal(t, "C-1", pitchName(0))
	assert.Equal(t, "G9", pitchName(127))
}
