package trace

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ricardoadorno/automacao/pkg/redact"
)

func writeSample(t *testing.T, key []byte) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	tw := NewWriter(&buf, "run-1", key)
	tw.EmitRunStart("checkout", "/plans/p.yaml", map[string]string{"user": "alice"})
	tw.EmitStepStart("hello", "cli")
	tw.EmitExportApplied("hello", map[string]string{"greeting": "hi"})
	tw.EmitStepComplete("hello", "OK", map[string]any{"exitCode": 0}, time.Second, nil)
	if err := tw.EmitRunComplete("passed", 2*time.Second, map[string]int{"ok": 1}); err != nil {
		t.Fatalf("EmitRunComplete: %v", err)
	}
	return &buf
}

func TestVerify_IntactChain(t *testing.T) {
	buf := writeSample(t, nil)
	res, err := Verify(bytes.NewReader(buf.Bytes()), nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Valid || res.EventCount != 5 || !res.Sealed {
		t.Fatalf("result = %+v", res)
	}
	if res.Signed {
		t.Error("unsigned trace reported as signed")
	}
}

func TestVerify_Signature(t *testing.T) {
	key := []byte("k3y")
	buf := writeSample(t, key)

	res, _ := Verify(bytes.NewReader(buf.Bytes()), key)
	if !res.Valid || !res.Signed || !res.SignatureOK {
		t.Errorf("with key: %+v", res)
	}
	res, _ = Verify(bytes.NewReader(buf.Bytes()), []byte("other"))
	if res.SignatureOK {
		t.Error("signature accepted under the wrong key")
	}
	res, _ = Verify(bytes.NewReader(buf.Bytes()), nil)
	if !res.SignatureNoKey {
		t.Error("expected SignatureNoKey without a key")
	}
}

func TestVerify_TamperedLine(t *testing.T) {
	buf := writeSample(t, nil)
	tampered := strings.Replace(buf.String(), `"greeting":"hi"`, `"greeting":"ho"`, 1)
	res, err := Verify(strings.NewReader(tampered), nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid {
		t.Fatal("tampered trace verified as valid")
	}
	if res.BrokenAt != 4 {
		t.Errorf("brokenAt = %d, want 4", res.BrokenAt)
	}
}

func TestVerify_DroppedLine(t *testing.T) {
	buf := writeSample(t, nil)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	dropped := strings.Join(append(lines[:1], lines[2:]...), "\n")
	res, _ := Verify(strings.NewReader(dropped), nil)
	if res.Valid {
		t.Fatal("trace with a dropped event verified as valid")
	}
}

func TestWriter_Redacts(t *testing.T) {
	var buf bytes.Buffer
	tw := NewWriter(&buf, "run-1", nil)
	tw.SetRedactor(redact.New([]string{"hunter2"}, nil))
	tw.EmitExportApplied("login", map[string]string{"pw": "hunter2"})
	if strings.Contains(buf.String(), "hunter2") {
		t.Errorf("secret leaked into trace: %s", buf.String())
	}
}

func TestFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	tw, err := NewFileWriter(path, "run-2", nil)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	tw.EmitStepStart("a", "cli")
	tw.EmitRunComplete("passed", 0, nil)
	if err := tw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("trace file: %v", err)
	}
	res, err := VerifyFile(path, nil)
	if err != nil || !res.Valid {
		t.Fatalf("VerifyFile = %+v, %v", res, err)
	}
}
