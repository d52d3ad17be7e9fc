package audit

import (
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult is the outcome of a hash chain check.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"errorLine,omitempty"`
}

// Verify walks the log and checks that every prev_hash matches the hash of
// the line before it, starting from GenesisHash.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := newScanner(f)
	lineNum := 0
	expected := GenesisHash

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()

		var rec struct {
			PrevHash string `json:"prev_hash"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			return VerifyResult{Lines: lineNum - 1, Error: fmt.Sprintf("parse error: %v", err), ErrorLine: lineNum}
		}
		if rec.PrevHash != expected {
			return VerifyResult{
				Lines:     lineNum - 1,
				Error:     fmt.Sprintf("hash mismatch: expected %s, got %s", expected, rec.PrevHash),
				ErrorLine: lineNum,
			}
		}
		expected = HashLine(line)
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}
	return VerifyResult{Valid: true, Lines: lineNum}
}
