package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestRootCommandSurface(t *testing.T) {
	root := newRootCommand()

	want := map[string]bool{"poll": false, "cluster": false, "summarize": false, "monitor": false, "all": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestUnknownSubcommandFails(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"bogus"})

	if err := root.Execute(); err == nil {
		t.Fatal("unknown subcommand accepted")
	}
}

func TestRuntimeErrorWraps(t *testing.T) {
	inner := errors.New("store unavailable")
	err := fmt.Errorf("cluster stage: %w", &runtimeError{err: inner})

	var rt *runtimeError
	if !errors.As(err, &rt) {
		t.Fatal("runtimeError not detected through wrapping")
	}
	if !errors.Is(err, inner) {
		t.Error("inner error lost through runtimeError")
	}
}
