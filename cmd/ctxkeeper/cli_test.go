package main

import (
	"bytes"
	"strings"
	"testing"
)

func runForTest(args ...string) (string, error) {
	root := buildRootCommand()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootRequiresSubcommand(t *testing.T) {
	_, err := runForTest()
	if err == nil || !strings.Contains(err.Error(), "subcommand is required") {
		t.Fatalf("err = %v", err)
	}
}

func TestRootHelpListsSubcommands(t *testing.T) {
	out, err := runForTest("--help")
	if err != nil {
		t.Fatalf("help: %v\n%s", err, out)
	}
	for _, name := range []string{"stats", "checkpoints", "memories", "search", "promote", "version"} {
		if !strings.Contains(out, name) {
			t.Fatalf("help output missing %q:\n%s", name, out)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	for _, args := range [][]string{
		{"checkpoints", "--help"},
		{"memories", "--help"},
		{"search", "--help"},
	} {
		if out, err := runForTest(args...); err != nil {
			t.Fatalf("%v: %v\n%s", args, err, out)
		}
	}
}
