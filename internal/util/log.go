package util

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	// MIDI events land well under a second apart; keep milliseconds.
	pterm.DefaultLogger.TimeFormat = "15:04:05.000"
	pterm.DefaultLogger.MaxWidth = 1000
}

// NewLogger builds the daemon logger. The library packages take it as-is,
// so session, discovery and CLI output share one pipeline instead of two
// parallel logging paths.
func NewLogger(debug bool) *zap.Logger {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
		pterm.DefaultLogger.Level = pterm.LogLevelDebug
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core)
}

// noteNames spell the twelve pitch classes for channel voice logging.
var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// FormatCommand renders one raw MIDI command for log output: note on/off
// as pitch name and velocity, everything else as hex.
func FormatCommand(data []byte) string {
	if len(data) == 3 {
		switch data[0] & 0xF0 {
		case 0x90:
			return fmt.Sprintf("note on  ch%-2d %-3s vel %d", data[0]&0x0F+1, pitchName(data[1]), data[2])
		case 0x80:
			return fmt.Sprintf("note off ch%-2d %-3s vel %d", data[0]&0x0F+1, pitchName(data[1]), data[2])
		}
	}
	return fmt.Sprintf("% X", data)
}

// pitchName converts a MIDI note number into scientific pitch notation
// (60 = C4).
func pitchName(note byte) string {
	return fmt.Sprintf("%s%d", noteNames[note%12], int(note)/12-1)
}
