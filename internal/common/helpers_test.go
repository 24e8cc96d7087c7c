package common

import "testing"

func TestGetFreePort(t *testing.T) {
	_, _, err := GetFreePort()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}
