package config

import (
	"bytes"
	"errors"
	"testing"
)

func captureExit(t *testing.T) (*bytes.Buffer, *int) {
	t.Helper()
	buf := &bytes.Buffer{}
	code := -1
	prevExit, prevStderr := exitFunc, stderr
	exitFunc = func(c int) { code = c }
	stderr = buf
	t.Cleanup(func() {
		exitFunc = prevExit
		stderr = prevStderr
	})
	return buf, &code
}

func TestExitfWritesMessageAndExitsWithCode1(t *testing.T) {
	buf, code := captureExit(t)

	Exitf("fatal: %s", "something broke")

	if *code != 1 {
		t.Fatalf("exit code = %d, want 1", *code)
	}
	if got := buf.String(); got != "fatal: something broke\n" {
		t.Fatalf("stderr = %q, want %q", got, "fatal: something broke\n")
	}
}

func TestExitOnErrorIgnoresNil(t *testing.T) {
	buf, code := captureExit(t)

	ExitOnError(nil, "parse flags")

	if *code != -1 {
		t.Fatalf("expected no exit, got code %d", *code)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
}

func TestExitOnErrorPrefixesContext(t *testing.T) {
	buf, code := captureExit(t)

	ExitOnError(errors.New("boom"), "parse flags")

	if *code != 1 {
		t.Fatalf("exit code = %d, want 1", *code)
	}
	if got := buf.String(); got != "parse flags: boom\n" {
		t.Fatalf("stderr = %q", got)
	}
}
