package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level   string
		wantLvl zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.wantLvl {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.wantLvl)
			}
			l, err := New(tt.level)
			if err != nil {
				t.Fatalf("New(%q) returned error: %v", tt.level, err)
			}
			if !l.Core().Enabled(tt.wantLvl) {
				t.Errorf("New(%q) should enable %v", tt.level, tt.wantLvl)
			}
		})
	}
}

func TestGlobalDefaultsToNop(t *testing.T) {
	if Global() == nil {
		t.Fatal("Global() returned nil")
	}
}

func TestSetGlobal(t *testing.T) {
	original := Global()
	core, obs := observer.New(zapcore.DebugLevel)
	SetGlobal(zap.New(core))
	defer SetGlobal(original)

	SetGlobal(nil)
	Debug("debug msg")
	Info("info msg", zap.String("key", "value"))
	Warn("warn msg")
	Error("error msg")

	entries := obs.All()
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	want := []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	for i, lvl := range want {
		if entries[i].Level != lvl {
			t.Errorf("entry %d: expected level %v, got %v", i, lvl, entries[i].Level)
		}
	}
}

func TestNamed(t *testing.T) {
	original := Global()
	core, obs := observer.New(zapcore.InfoLevel)
	SetGlobal(zap.New(core))
	defer SetGlobal(original)

	Named("stats").Info("child message")

	entries := obs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["component"] != "stats" {
		t.Errorf("expected component=stats, got %v", entries[0].ContextMap())
	}
}

func TestNewWithOptionsFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "breakerstats.log")

	l, closer, err := NewWithOptions(Options{Level: "warn", Output: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	if closer == nil {
		t.Fatal("expected a closer for file output")
	}

	l.Info("dropped below level")
	l.Warn("window rotated late", zap.String("breaker", "orders"))
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "dropped below level") {
		t.Error("info entry should be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"window rotated late"`) || !strings.Contains(out, `"breaker":"orders"`) {
		t.Errorf("expected JSON warn entry, got %s", out)
	}
	if !strings.Contains(out, `"timestamp"`) {
		t.Errorf("expected timestamp key, got %s", out)
	}
}

func TestNewWithOptionsStdStreams(t *testing.T) {
	for _, output := range []string{"", "stderr", "stdout"} {
		l, closer, err := NewWithOptions(Options{Output: output})
		if err != nil {
			t.Fatalf("NewWithOptions(%q): %v", output, err)
		}
		if closer != nil {
			t.Errorf("NewWithOptions(%q) should not return a closer", output)
		}
		if !l.Core().Enabled(zapcore.InfoLevel) {
			t.Errorf("NewWithOptions(%q) should default to info", output)
		}
	}
}
