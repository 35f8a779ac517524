package log

import "os"

// TestingLogger returns a Logger suitable for use in tests: it writes Info,
// Warn and Error to stdout; Debug output appears only when LogDebug is true,
// which it is not by default.
func TestingLogger() Logger {
	return NewLogger(os.Stdout)
}
