package main

import (
	"bytes"
	"strings"
	"testing"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestQuoteCommand(t *testing.T) {
	out, err := runCmd(t, "quote", "1000")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	for _, want := range []string{"bank markup     2", "psp commission  3", "total fees      5.5", "net amount      994.5"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestQuoteCommandRejectsBadInput(t *testing.T) {
	if _, err := runCmd(t, "quote", "-5"); err == nil {
		t.Fatal("expected error for negative amount")
	}
	if _, err := runCmd(t, "quote", "100", "--bank-markup", "1.5"); err == nil {
		t.Fatal("expected error for markup above 1")
	}
}

func TestSettleRequiresOrderID(t *testing.T) {
	if _, err := runCmd(t, "settle", "not-a-uuid"); err == nil || !strings.Contains(err.Error(), "invalid order id") {
		t.Fatalf("expected invalid order id error, got %v", err)
	}
	if _, err := runCmd(t, "settle"); err == nil {
		t.Fatal("expected arg count error")
	}
}

func TestReconcileRequiresOneVerdict(t *testing.T) {
	id := "0b9c7c1e-3f1a-4d7e-9a52-2f0c1d4b8e11"
	cases := [][]string{
		{"reconcile", id},
		{"reconcile", id, "--tx", "0xabc", "--nothing-sent"},
	}
	for _, args := range cases {
		if _, err := runCmd(t, args...); err == nil || !strings.Contains(err.Error(), "exactly one of") {
			t.Fatalf("%v: expected verdict error, got %v", args, err)
		}
	}
	if _, err := runCmd(t, "reconcile", "bad", "--tx", "0xabc"); err == nil || !strings.Contains(err.Error(), "invalid order id") {
		t.Fatalf("expected invalid order id error, got %v", err)
	}
}
