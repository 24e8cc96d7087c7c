package collector

import (
	"testing"

	"kernel.org/pub/linux/libs/security/libcap/cap"
)

func TestSetupAppCapsResolvesNames(t *testing.T) {
	appCaps = appCaps[:0]

	got, err := setupAppCaps([]string{"cap_sys_rawio", "cap_perfmon"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 resolved caps, got %d", len(got))
	}

	if len(appCaps) != 2 {
		t.Fatalf("expected appCaps to accumulate 2 entries, got %d", len(appCaps))
	}
}

func TestSetupAppCapsDedupes(t *testing.T) {
	appCaps = appCaps[:0]

	if _, err := setupAppCaps([]string{"cap_sys_rawio"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := setupAppCaps([]string{"cap_sys_rawio"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(appCaps) != 1 {
		t.Fatalf("expected appCaps to dedupe to 1 entry, got %d", len(appCaps))
	}

	if appCaps[0] != cap.SYS_RAWIO {
		t.Fatalf("expected cap.SYS_RAWIO, got %v", appCaps[0])
	}
}

func TestSetupAppCapsUnknownName(t *testing.T) {
	appCaps = appCaps[:0]

	_, err := setupAppCaps([]string{"cap_not_a_real_capability"})
	if err == nil {
		t.Fatal("expected error for unknown capability name")
	}
}

func TestSetupAppCapsEmpty(t *testing.T) {
	got, err := setupAppCaps(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got != nil {
		t.Fatalf("expected nil result for empty input, got %v", got)
	}
}
