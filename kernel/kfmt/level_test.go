package kfmt

import (
	"bytes"
	"testing"

	"gophernel/kernel/cpu"
)

func TestLeveledLoggingPrefixesAndFilters(t *testing.T) {
	defer func() {
		outputSink = nil
		minLevel = LevelTrace
	}()

	var buf bytes.Buffer
	SetOutputSink(&buf)

	Info("booting %s\n", "kernel")
	if got, exp := buf.String(), "[INFO] booting kernel\n"; got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}

	buf.Reset()
	SetLevel(LevelWarning)
	Debug("this is filtered out\n")
	if got := buf.String(); got != "" {
		t.Fatalf("expected Debug below threshold to be dropped; got %q", got)
	}

	Warning("disk %d slow\n", 3)
	if got, exp := buf.String(), "[WARN] disk 3 slow\n"; got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}
}

func TestFatalLogsAndHalts(t *testing.T) {
	defer func() {
		outputSink = nil
		minLevel = LevelTrace
		cpuHaltFn = cpu.Halt
	}()

	var buf bytes.Buffer
	SetOutputSink(&buf)

	var halted bool
	cpuHaltFn = func() { halted = true }

	Fatal("out of memory at boot\n")

	if !halted {
		t.Fatal("expected Fatal to halt the CPU via Panic")
	}
	if got := buf.String(); !bytes.Contains([]byte(got), []byte("out of memory at boot")) {
		t.Fatalf("expected fatal message in output; got %q", got)
	}
}
