// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package cli_test

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"strings"
	"testing"

	"go.astrophena.name/tglookup/internal/cli"
	"go.astrophena.name/tglookup/internal/testutil"
)

func TestRun(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		app          cli.App
		args         []string
		wantErr      error
		wantInStderr string
	}{
		"returns app error": {
			app: cli.AppFunc(func(ctx context.Context) error {
				return errors.New("app failed")
			}),
			wantErr: errors.New("app failed"),
		},
		"version flag": {
			app: cli.AppFunc(func(ctx context.Context) error {
				return nil
			}),
			args:    []string{"-version"},
			wantErr: cli.ErrExitVersion,
		},
		"undefined flag": {
			app: cli.AppFunc(func(ctx context.Context) error {
				return nil
			}),
			args:         []string{"-nonexistent"},
			wantErr:      errors.New("flag provided but not defined"),
			wantInStderr: "flag provided but not defined",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var stderr bytes.Buffer
			env := &cli.Env{
				Args:   tc.args,
				Getenv: func(string) string { return "" },
				Stdin:  strings.NewReader(""),
				Stdout: io.Discard,
				Stderr: &stderr,
			}

			err := cli.Run(cli.WithEnv(context.Background(), env), tc.app)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("Run() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Run() expected error %v, got none", tc.wantErr)
			}
			if !errors.Is(err, tc.wantErr) && !strings.Contains(err.Error(), tc.wantErr.Error()) {
				t.Fatalf("Run() error = %v, want %v", err, tc.wantErr)
			}
			if tc.wantInStderr != "" && !strings.Contains(stderr.String(), tc.wantInStderr) {
				t.Fatalf("stderr %q doesn't contain %q", stderr.String(), tc.wantInStderr)
			}
		})
	}
}

func TestRunPassesEnvThroughContext(t *testing.T) {
	t.Parallel()

	env := &cli.Env{
		Args:   []string{"hello", "world"},
		Getenv: func(string) string { return "" },
		Stdin:  strings.NewReader(""),
		Stdout: io.Discard,
		Stderr: io.Discard,
	}

	var gotArgs []string
	app := cli.AppFunc(func(ctx context.Context) error {
		gotArgs = cli.GetEnv(ctx).Args
		return nil
	})

	if err := cli.Run(cli.WithEnv(context.Background(), env), app); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, gotArgs, []string{"hello", "world"})
}

func TestRunFlags(t *testing.T) {
	t.Parallel()

	app := &flagApp{}

	var stderr bytes.Buffer
	env := &cli.Env{
		Args:   []string{"-name", "test", "rest"},
		Getenv: func(string) string { return "" },
		Stdin:  strings.NewReader(""),
		Stdout: io.Discard,
		Stderr: &stderr,
	}

	if err := cli.Run(cli.WithEnv(context.Background(), env), app); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, app.name, "test")
	testutil.AssertEqual(t, app.args, []string{"rest"})
}

type flagApp struct {
	name string
	args []string
}

func (a *flagApp) Flags(fs *flag.FlagSet) {
	fs.StringVar(&a.name, "name", "", "Name.")
}

func (a *flagApp) Run(ctx context.Context) error {
	a.args = cli.GetEnv(ctx).Args
	return nil
}

func TestGetEnvFallsBackToOS(t *testing.T) {
	t.Parallel()

	env := cli.GetEnv(context.Background())
	if env == nil {
		t.Fatal("GetEnv returned nil for context without attached environment")
	}
}
