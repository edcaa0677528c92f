package trace

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// VerifyResult is the outcome of verifying a trace file.
type VerifyResult struct {
	EventCount     int
	Valid          bool
	BrokenAt       int // 1-based event index, -1 if the chain is intact
	Sealed         bool
	ChainHash      string
	Signed         bool
	SignatureOK    bool
	SignatureNoKey bool // signature present but no key to check it
	Error          string
}

// VerifyFile verifies the trace at path. key may be nil.
func VerifyFile(path string, key []byte) (*VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()
	return Verify(f, key)
}

// Verify checks the prev_hash chain, the run_complete seal and the optional signature.
func Verify(r io.Reader, key []byte) (*VerifyResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)

	expected := Genesis
	count := 0
	var last Event
	var lastPrev string

	broken := func(msg string, args ...any) *VerifyResult {
		return &VerifyResult{EventCount: count, BrokenAt: count, Error: fmt.Sprintf(msg, args...)}
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		count++

		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return broken("event %d: invalid JSON: %v", count, err), nil
		}
		if evt.PrevHash != expected {
			return broken("event %d: prev_hash mismatch (expected %s, got %s)", count, short(expected), short(evt.PrevHash)), nil
		}
		sum := sha256.Sum256(line)
		lastPrev = expected
		expected = hex.EncodeToString(sum[:])
		last = evt
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}

	res := &VerifyResult{EventCount: count, Valid: true, BrokenAt: -1}
	if last.Type != EventRunComplete {
		return res, nil
	}
	res.Sealed = true
	res.ChainHash, _ = last.Data["chain_hash"].(string)
	if res.ChainHash != lastPrev {
		res.Valid = false
		res.BrokenAt = count
		res.Error = "run_complete chain_hash does not match the chain"
		return res, nil
	}
	sig, ok := last.Data["signature"].(string)
	if !ok {
		return res, nil
	}
	res.Signed = true
	if len(key) == 0 {
		res.SignatureNoKey = true
		return res, nil
	}
	res.SignatureOK = hmac.Equal([]byte(sig), []byte(Sign(key, res.ChainHash)))
	return res, nil
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}
