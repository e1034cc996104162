package validate

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// signaturePayload extracts the signed core of a record. Only the content
// fields and the declared teacher are protected; everything else may be
// rewritten by downstream tooling without breaking the signature.
func signaturePayload(sample map[string]any) []byte {
	meta, _ := sample["metadata"].(map[string]any)
	teacher, _ := meta["teacher_model"].(string)
	instruction, _ := sample["instruction"].(string)
	input, _ := sample["input"].(string)
	output, _ := sample["output"].(string)

	// Map marshaling sorts keys, giving a canonical payload.
	payload, _ := json.Marshal(map[string]string{
		"instruction":   instruction,
		"input":         input,
		"output":        output,
		"teacher_model": teacher,
	})
	return payload
}

// SignSample computes the HMAC-SHA256 signature of a record's core content.
func SignSample(key []byte, sample map[string]any) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(signaturePayload(sample))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a declared signature against the record content.
func VerifySignature(key []byte, sample map[string]any, sig string) bool {
	expected := SignSample(key, sample)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// LoadOrCreateKey returns the persistent signing key for this output
// directory, generating one on first use.
func LoadOrCreateKey(outDir string) ([]byte, error) {
	path := filepath.Join(outDir, "state", ".signing_key")

	data, err := os.ReadFile(path)
	if err == nil {
		return []byte(strings.TrimSpace(string(data))), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}

	raw := make([]byte, 64)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	key := []byte(hex.EncodeToString(raw))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating key dir: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("writing signing key: %w", err)
	}
	return key, nil
}
