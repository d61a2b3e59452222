package main

import (
	"bytes"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func TestMessageBodyPrefersArgument(t *testing.T) {
	body, err := messageBody(strings.NewReader("ignored"), []string{`{"CallDetailID":1}`})
	if err != nil {
		t.Fatalf("message body: %v", err)
	}
	if body != `{"CallDetailID":1}` {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestMessageBodyReadsStdin(t *testing.T) {
	body, err := messageBody(strings.NewReader("  {\"CallDetailID\":2}\n"), nil)
	if err != nil {
		t.Fatalf("message body: %v", err)
	}
	if body != `{"CallDetailID":2}` {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestMessageBodyRejectsEmpty(t *testing.T) {
	if _, err := messageBody(strings.NewReader("   \n"), nil); err == nil {
		t.Fatal("expected error for empty body")
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand(pslog.NoopLogger())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "recmover ") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}
