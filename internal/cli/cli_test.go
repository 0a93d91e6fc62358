package cli

import (
	"errors"
	"testing"

	"github.com/alecthomas/kong"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	cli := &CLI{}
	parser, err := kong.New(cli, kong.Name("kerneld"), kong.Vars{"version": "test"})
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
	return cli, ctx
}

func TestParseEnsure(t *testing.T) {
	cli, ctx := parse(t, "ensure", "--team", "t1", "--notebook", "nb1", "--user", "u1",
		"--backend", "docker", "--cpu", "2", "--memory", "4", "--idle-seconds", "600")
	if got := ctx.Command(); got != "ensure" {
		t.Fatalf("unexpected command %q", got)
	}
	sess := cli.Ensure.session()
	if sess.TeamID != "t1" || sess.NotebookID != "nb1" || sess.UserID != "u1" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.Backend != "docker" {
		t.Fatalf("unexpected backend %q", sess.Backend)
	}
	if sess.Resources.CPUCores != 2 || sess.Resources.MemoryGiB != 4 || sess.Resources.IdleTimeoutSeconds != 600 {
		t.Fatalf("unexpected resources %+v", sess.Resources)
	}
}

func TestParseExec(t *testing.T) {
	cli, ctx := parse(t, "exec", "--team", "t1", "--notebook", "nb1",
		"-e", "print(1)", "--timeout-seconds", "15",
		"--return-variables", "a", "--return-variables", "b")
	if got := ctx.Command(); got != "exec" {
		t.Fatalf("unexpected command %q", got)
	}
	if cli.Exec.Code != "print(1)" || cli.Exec.TimeoutSeconds != 15 {
		t.Fatalf("unexpected exec flags %+v", cli.Exec)
	}
	if len(cli.Exec.ReturnVariables) != 2 {
		t.Fatalf("unexpected return variables %v", cli.Exec.ReturnVariables)
	}
}

func TestParseRequiresSessionIdentity(t *testing.T) {
	cli := &CLI{}
	parser, err := kong.New(cli, kong.Name("kerneld"), kong.Vars{"version": "test"})
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}
	if _, err := parser.Parse([]string{"ensure", "--notebook", "nb1"}); err == nil {
		t.Fatal("expected missing --team to fail")
	}
}

func TestExitCode(t *testing.T) {
	if got := ExitCode(errors.New("boom")); got != 1 {
		t.Fatalf("plain error exit code = %d", got)
	}
	if got := ExitCode(exitCodeError{code: 124}); got != 124 {
		t.Fatalf("timeout exit code = %d", got)
	}
}
