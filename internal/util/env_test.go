package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("FLOWPIPE_TEST_BOOL", "yes")
	if !ParseBoolEnv("FLOWPIPE_TEST_BOOL", false) {
		t.Error("expected true")
	}
	t.Setenv("FLOWPIPE_TEST_BOOL", "garbage")
	if !ParseBoolEnv("FLOWPIPE_TEST_BOOL", true) {
		t.Error("expected default for invalid value")
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("FLOWPIPE_TEST_DURATION", "90s")
	if got := ParseDurationEnv("FLOWPIPE_TEST_DURATION", time.Minute); got != 90*time.Second {
		t.Errorf("got %v, want 90s", got)
	}
	t.Setenv("FLOWPIPE_TEST_DURATION", "-1s")
	if got := ParseDurationEnv("FLOWPIPE_TEST_DURATION", time.Minute); got != time.Minute {
		t.Errorf("got %v, want default", got)
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("FLOWPIPE_TEST_INT", "42")
	if got := ParseIntEnv("FLOWPIPE_TEST_INT", 7); got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	t.Setenv("FLOWPIPE_TEST_INT", "x")
	if got := ParseIntEnv("FLOWPIPE_TEST_INT", 7); got != 7 {
		t.Errorf("got %d, want default", got)
	}
}
