package log

import "testing"

func TestConfigureDefaultsToStderr(t *testing.T) {
	if err := Configure(Config{}); err != nil {
		t.Fatalf("Configure(Config{}): %v", err)
	}
}

func TestConfigureUnknownLevelFallsBackToInfo(t *testing.T) {
	// An unrecognized level string should not error; it should behave like
	// "info", matching the zero-value Logger the teacher ships as Default.
	if err := Configure(Config{Level: "nonsense"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
}
