package cli

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"strings"
	"testing"

	"go.astrophena.name/sage/internal/testutil"
)

func TestRunVersionFlag(t *testing.T) {
	var stderr bytes.Buffer
	env := &Env{
		Args:   []string{"-version"},
		Getenv: func(string) string { return "" },
		Stderr: &stderr,
	}

	err := Run(context.Background(), AppFunc(func(context.Context, *Env) error {
		t.Fatal("app must not run when -version is passed")
		return nil
	}), env)

	if !errors.Is(err, ErrExitVersion) {
		t.Fatalf("Run() error = %v, want ErrExitVersion", err)
	}
	if stderr.Len() == 0 {
		t.Fatal("Run() printed nothing for -version")
	}
}

func TestRunPassesArgs(t *testing.T) {
	var gotArgs []string
	env := &Env{
		Args:   []string{"hello", "world"},
		Getenv: func(string) string { return "" },
		Stderr: new(bytes.Buffer),
	}

	err := Run(context.Background(), AppFunc(func(_ context.Context, env *Env) error {
		gotArgs = env.Args
		return nil
	}), env)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, gotArgs, []string{"hello", "world"})
}

func TestRunUnprintableFlagError(t *testing.T) {
	env := &Env{
		Args:   []string{"-nonexistent"},
		Getenv: func(string) string { return "" },
		Stderr: new(bytes.Buffer),
	}

	err := Run(context.Background(), AppFunc(func(context.Context, *Env) error {
		return nil
	}), env)
	if err == nil {
		t.Fatal("Run() expected error, got none")
	}
	// The flag package already printed the message, so Main must stay silent.
	if isPrintableError(err) {
		t.Fatalf("Run() error %v must be unprintable", err)
	}
}

func TestIsPrintableError(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"regular error":     {err: errors.New("boom"), want: true},
		"flag.ErrHelp":      {err: flag.ErrHelp, want: false},
		"unprintable error": {err: &unprintableError{errors.New("boom")}, want: false},
		"wrapped invalid args": {
			err:  errors.New("wrapped: " + ErrInvalidArgs.Error()),
			want: true,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			testutil.AssertEqual(t, isPrintableError(tc.err), tc.want)
		})
	}
}

func TestParseDocComment(t *testing.T) {
	defer func(orig []byte) { docSrc = orig }(docSrc)

	docSrc = []byte(`/*
Amazinator does amazing things.

# Usage

	$ amazinator [flags...]
*/
package main
`)

	got := parseDocComment()
	for _, want := range []string{"Amazinator does amazing things.", "# Usage"} {
		if !strings.Contains(got, want) {
			t.Errorf("parseDocComment() = %q, want it to contain %q", got, want)
		}
	}
	if strings.Contains(got, "package main") {
		t.Errorf("parseDocComment() = %q, must stop at the comment end", got)
	}
}
