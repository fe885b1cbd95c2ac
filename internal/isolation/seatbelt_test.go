package isolation

import (
	"strings"
	"testing"
)

func TestGlobToRegex(t *testing.T) {
	re := GlobToRegex("/workspace/**/*.go")
	if !strings.HasPrefix(re, "^") || !strings.HasSuffix(re, "$") {
		t.Errorf("expected anchored regex, got %q", re)
	}
}

func TestGenerateProxyEnvVarsNoPorts(t *testing.T) {
	env := GenerateProxyEnvVars(0, 0)
	for _, e := range env {
		if strings.HasPrefix(e, "HTTP_PROXY=") || strings.HasPrefix(e, "ALL_PROXY=") {
			t.Errorf("did not expect proxy vars with no ports, got %q", e)
		}
	}
}

func TestGenerateProxyEnvVarsHTTPOnly(t *testing.T) {
	env := GenerateProxyEnvVars(8080, 0)
	want := "HTTP_PROXY=http://localhost:8080"
	found := false
	for _, e := range env {
		if e == want {
			found = true
		}
		if strings.HasPrefix(e, "ALL_PROXY=") {
			t.Errorf("did not expect SOCKS var with socksPort=0, got %q", e)
		}
	}
	if !found {
		t.Errorf("expected %q in %v", want, env)
	}
}

func TestGenerateProxyEnvVarsSOCKSOnly(t *testing.T) {
	env := GenerateProxyEnvVars(0, 1080)
	want := "ALL_PROXY=socks5h://localhost:1080"
	found := false
	for _, e := range env {
		if e == want {
			found = true
		}
		if strings.HasPrefix(e, "HTTP_PROXY=") {
			t.Errorf("did not expect HTTP var with httpPort=0, got %q", e)
		}
	}
	if !found {
		t.Errorf("expected %q in %v", want, env)
	}
}

func TestEncodeDecodeSandboxedCommandRoundtrip(t *testing.T) {
	cases := []string{"ls -la", "echo $HOME && ls | grep foo", ""}
	for _, cmd := range cases {
		encoded := EncodeSandboxedCommand(cmd)
		decoded, err := DecodeSandboxedCommand(encoded)
		if err != nil {
			t.Fatalf("decode failed for %q: %v", cmd, err)
		}
		if decoded != cmd {
			t.Errorf("roundtrip mismatch: got %q, want %q", decoded, cmd)
		}
	}
}

func TestEncodeSandboxedCommandTruncatesTo100(t *testing.T) {
	long := strings.Repeat("a", 200)
	encoded := EncodeSandboxedCommand(long)
	decoded, err := DecodeSandboxedCommand(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decoded) != 100 {
		t.Errorf("expected truncated command of 100 chars, got %d", len(decoded))
	}
}
