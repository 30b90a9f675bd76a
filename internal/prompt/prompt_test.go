package prompt

import (
	"bytes"
	"os"
	"testing"
)

func pipeInput(t *testing.T, content string) *os.File {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	if _, err := w.WriteString(content); err != nil {
		t.Fatalf("write pipe: %v", err)
	}
	w.Close()
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSecretPiped(t *testing.T) {
	out := &bytes.Buffer{}
	p := New(pipeInput(t, "s3cret pass\r\nsecond\nlast"), out)

	for _, want := range []string{"s3cret pass", "second", "last"} {
		got, err := p.Secret("Passphrase")
		if err != nil {
			t.Fatalf("Secret() error: %v", err)
		}
		if got != want {
			t.Errorf("Secret() = %q, want %q", got, want)
		}
	}
	if _, err := p.Secret("Passphrase"); err == nil {
		t.Error("expected error at end of input")
	}
	if !bytes.HasPrefix(out.Bytes(), []byte("Passphrase: ")) {
		t.Errorf("unexpected prompt output %q", out.String())
	}
}
