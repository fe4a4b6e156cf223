package logging

import "testing"

func TestOrNopWithNil(t *testing.T) {
	logger := OrNop(nil)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	// Must not panic.
	logger.Debug("debug %d", 1)
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")
}

func TestOrNopWithTypedNil(t *testing.T) {
	var typed *fileLogger
	logger := OrNop(typed)
	logger.Info("must not panic")
}
