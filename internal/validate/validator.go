// Package validate turns raw sample lines into sanitized records or
// classified rejections.
package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jmallek/distill/internal/config"
)

// Reason classifies a rejection. The set is closed: every invalid sample maps
// to exactly one of these.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonInvalidJSON      Reason = "invalid_json"
	ReasonMissingField     Reason = "missing_field"
	ReasonInvalidField     Reason = "invalid_field"
	ReasonSecretDetected   Reason = "secret_detected"
	ReasonTooLong          Reason = "too_long"
	ReasonTooShort         Reason = "too_short"
	ReasonDuplicate        Reason = "duplicate"
	ReasonProvenanceFailed Reason = "provenance_failed"
)

// Result is the outcome of validating one sample line.
type Result struct {
	Valid   bool
	Reason  Reason
	Message string

	// Sanitized is the canonicalized serialization of the record: string
	// fields whitespace-trimmed, keys in deterministic order. Empty when the
	// sample is invalid.
	Sanitized string
}

func reject(reason Reason, format string, args ...any) Result {
	return Result{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Text fields that must be non-empty strings.
var textFields = []string{"instruction", "input", "output"}

// Validator applies the fixed check pipeline to one sample at a time. The
// duplicate check is scoped to a single validation pass; call Reset between
// passes.
type Validator struct {
	rules        config.Rules
	teacherModel string
	strict       bool
	key          []byte
	seen         map[string]struct{}
}

// Options configures provenance checking.
type Options struct {
	// TeacherModel is the model samples must declare as their source. Empty
	// disables the declaration check.
	TeacherModel string

	// Key is the HMAC signing key for record signatures. Nil skips
	// signature verification.
	Key []byte

	// Strict rejects samples that carry no signature at all.
	Strict bool
}

// New builds a Validator for one validation pass.
func New(rules config.Rules, opts Options) *Validator {
	return &Validator{
		rules:        rules,
		teacherModel: opts.TeacherModel,
		strict:       opts.Strict,
		key:          opts.Key,
		seen:         make(map[string]struct{}),
	}
}

// Reset clears the duplicate-tracking state, starting a new pass.
func (v *Validator) Reset() {
	v.seen = make(map[string]struct{})
}

// Validate runs one raw line through the check pipeline. The first failing
// check determines the rejection reason.
func (v *Validator) Validate(rawLine string) Result {
	// 1. Structural parse.
	line := strings.TrimSpace(rawLine)
	if line == "" {
		return reject(ReasonInvalidJSON, "empty line")
	}
	var sample map[string]any
	if err := json.Unmarshal([]byte(line), &sample); err != nil {
		return reject(ReasonInvalidJSON, "parse error: %s", err)
	}

	// 2. Required-field presence.
	for _, field := range v.rules.Fields.Required {
		if _, ok := sample[field]; !ok {
			return reject(ReasonMissingField, "missing required field: %s", field)
		}
	}

	// 3. Field type and shape.
	for _, field := range textFields {
		raw, ok := sample[field]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return reject(ReasonInvalidField, "field %s is not a string", field)
		}
		if strings.TrimSpace(s) == "" {
			return reject(ReasonInvalidField, "field %s is empty", field)
		}
		sample[field] = strings.TrimSpace(s)
	}
	if id, ok := sample["id"]; ok {
		s, isStr := id.(string)
		if !isStr || strings.TrimSpace(s) == "" {
			return reject(ReasonInvalidField, "field id is not a non-empty string")
		}
		sample["id"] = strings.TrimSpace(s)
	}
	if meta, ok := sample["metadata"]; ok {
		if _, isMap := meta.(map[string]any); !isMap {
			return reject(ReasonInvalidField, "field metadata is not an object")
		}
	}

	// 4. Secret scan over all string fields, fail closed.
	if field, kind := scanSecrets(sample); kind != "" {
		return reject(ReasonSecretDetected, "%s in field %s", kind, field)
	}

	// 5. Length bounds in characters, not bytes, so multibyte text near a
	// bound classifies the same regardless of encoding width. Output is the
	// primary text field.
	output, _ := sample["output"].(string)
	input, _ := sample["input"].(string)
	outLen := utf8.RuneCountInString(output)
	inLen := utf8.RuneCountInString(input)
	if max := v.rules.Length.MaxOutput; max > 0 && outLen > max {
		return reject(ReasonTooLong, "output too long: %d > %d", outLen, max)
	}
	if max := v.rules.Length.MaxInput; max > 0 && inLen > max {
		return reject(ReasonTooLong, "input too long: %d > %d", inLen, max)
	}
	if min := v.rules.Length.MinOutput; outLen < min {
		return reject(ReasonTooShort, "output too short: %d < %d", outLen, min)
	}
	if min := v.rules.Length.MinInput; inLen < min {
		return reject(ReasonTooShort, "input too short: %d < %d", inLen, min)
	}

	// 6. Exact duplicate within this pass.
	instruction, _ := sample["instruction"].(string)
	h := sha256.Sum256([]byte(instruction + "\x00" + output))
	key := hex.EncodeToString(h[:])
	if _, dup := v.seen[key]; dup {
		return reject(ReasonDuplicate, "duplicate of earlier sample in pass")
	}

	// 7. Provenance.
	if res := v.checkProvenance(sample); !res.Valid {
		return res
	}

	// Canonical serialization: map marshaling sorts keys, so downstream
	// consumers see deterministic output regardless of generator formatting.
	// Unknown fields pass through untouched.
	sanitized, err := json.Marshal(sample)
	if err != nil {
		return reject(ReasonInvalidField, "reserializing: %s", err)
	}

	v.seen[key] = struct{}{}
	return Result{Valid: true, Message: "ok", Sanitized: string(sanitized)}
}

func (v *Validator) checkProvenance(sample map[string]any) Result {
	meta, _ := sample["metadata"].(map[string]any)

	if v.teacherModel != "" {
		declared, _ := meta["teacher_model"].(string)
		if declared != "" && declared != v.teacherModel {
			return reject(ReasonProvenanceFailed, "teacher_model %q does not match %q", declared, v.teacherModel)
		}
	}

	sig, hasSig := meta["signature"].(string)
	if !hasSig || sig == "" {
		if v.strict {
			return reject(ReasonProvenanceFailed, "missing signature")
		}
		return Result{Valid: true}
	}
	if v.key == nil {
		return Result{Valid: true}
	}
	if !VerifySignature(v.key, sample, sig) {
		return reject(ReasonProvenanceFailed, "invalid signature")
	}
	return Result{Valid: true}
}
