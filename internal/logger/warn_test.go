package logger

import (
	"bytes"
	"log/slog"
	"testing"
)

func TestWarnAlwaysLogged(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	defer SetLogger(nil)

	Warn("double completion", "channel", 2)

	if !bytes.Contains(buf.Bytes(), []byte("double completion")) {
		t.Fatalf("warning not captured: %q", buf.String())
	}
}
