package isolation

import "testing"

func TestFilterEnvStripsDangerousVars(t *testing.T) {
	env := []string{
		"PATH=/usr/bin",
		"LD_PRELOAD=/tmp/evil.so",
		"DYLD_INSERT_LIBRARIES=/tmp/evil.dylib",
		"HOME=/home/agent",
	}

	filtered := FilterEnv(env)

	for _, e := range filtered {
		if e == "LD_PRELOAD=/tmp/evil.so" || e == "DYLD_INSERT_LIBRARIES=/tmp/evil.dylib" {
			t.Errorf("expected dangerous var to be stripped, found %q", e)
		}
	}
	if len(filtered) != 2 {
		t.Errorf("expected 2 entries to survive, got %d: %v", len(filtered), filtered)
	}
}

func TestStrippedKeysReportsWhatWasRemoved(t *testing.T) {
	env := []string{"LD_LIBRARY_PATH=/lib", "PATH=/usr/bin"}
	stripped := StrippedKeys(env)
	if len(stripped) != 1 || stripped[0] != "LD_LIBRARY_PATH" {
		t.Errorf("expected [LD_LIBRARY_PATH], got %v", stripped)
	}
}
