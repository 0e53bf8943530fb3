package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const goodScenario = `
id: good
start_step: ask
steps:
  ask:
    text: "Plan?"
    expected_input: {type: any_text, variable: plan}
    next_step: route
  route:
    type: conditional_message
    branches:
      - condition: 'plan == "pro"'
        next_step: ext:upsell
    default_next_step: bye
  bye: {text: "Bye", next_step: null}
  orphan: {text: "never shown", next_step: bye}
`

const brokenScenario = `
id: broken
start_step: a
steps:
  a: {text: "A", next_step: nowhere}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.yaml", goodScenario)

	out, err := run(t, "check", good)
	if err != nil {
		t.Fatalf("check good: %v\n%s", err, out)
	}
	if !strings.Contains(out, "ok   good (4 steps)") || !strings.Contains(out, `step "orphan" is unreachable`) {
		t.Fatalf("output = %q", out)
	}

	if _, err := run(t, "check", "--strict", good); err == nil {
		t.Fatal("strict mode accepted an unreachable step")
	}

	broken := writeFile(t, t.TempDir(), "broken.yaml", brokenScenario)
	out, err = run(t, "check", broken)
	if err == nil || !strings.Contains(out, "FAIL") || !strings.Contains(out, "nowhere") {
		t.Fatalf("check broken: err=%v out=%q", err, out)
	}
}

func TestCheckDirectoryDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", goodScenario)
	writeFile(t, dir, "b.yaml", goodScenario)

	out, err := run(t, "check", dir)
	if err == nil || !strings.Contains(out, "defined in both") {
		t.Fatalf("err=%v out=%q", err, out)
	}
}

func TestSteps(t *testing.T) {
	path := writeFile(t, t.TempDir(), "good.yaml", goodScenario)
	out, err := run(t, "steps", path)
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	for _, want := range []string{"*ask", "any_text", "ext:upsell", "default bye", "(end)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestBots(t *testing.T) {
	scenarios := t.TempDir()
	writeFile(t, scenarios, "good.yaml", goodScenario)
	dir := t.TempDir()
	path := writeFile(t, dir, "bots.yaml", `
bots:
  - {id: shop, platform: telegram, scenario: good, token: t1}
  - {id: help, platform: telegram, scenario: missing, token: t2}
`)

	out, err := run(t, "bots", path, "--scenarios", scenarios)
	if err == nil {
		t.Fatal("missing scenario accepted")
	}
	if !strings.Contains(out, "ok   shop") || !strings.Contains(out, `FAIL help: scenario "missing"`) {
		t.Fatalf("output = %q", out)
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil || out != "scenariolint dev\n" {
		t.Fatalf("version = %q, %v", out, err)
	}
}
