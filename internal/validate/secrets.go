package validate

import (
	"regexp"
	"sort"
)

// Secret detection is fail-closed: any match drops the sample. The patterns
// are heuristics for common credential formats, not a complete scanner.
var secretPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"api_key", regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key)\s*[:=]\s*["']?[\w\-]{20,}`)},
	{"bearer_token", regexp.MustCompile(`(?i)bearer\s+[\w\-]{20,}`)},
	{"token", regexp.MustCompile(`(?i)token\s*[:=]\s*["']?[\w\-]{20,}`)},
	{"aws_access_key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"aws_secret", regexp.MustCompile(`(?i)aws[_-]?secret[_-]?access[_-]?key\s*[:=]\s*["']?[\w/+]{40}`)},
	{"private_key", regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`)},
	{"ssh_private_key", regexp.MustCompile(`-----BEGIN\s+OPENSSH\s+PRIVATE\s+KEY-----`)},
	{"db_url", regexp.MustCompile(`(?i)(mongodb|postgres(ql)?|mysql|redis)://[\w:@/.\-]+`)},
	{"github_token", regexp.MustCompile(`ghp_[a-zA-Z0-9]{36}`)},
	{"gitlab_token", regexp.MustCompile(`glpat-[a-zA-Z0-9\-]{20,}`)},
	{"openai_key", regexp.MustCompile(`sk-[a-zA-Z0-9]{48,}`)},
	{"password", regexp.MustCompile(`(?i)(password|pwd)\s*[:=]\s*["'][^"']{8,}["']`)},
}

// scanSecrets walks every string value in the record, nested fields included,
// and reports the first (field, pattern kind) hit.
func scanSecrets(sample map[string]any) (field, kind string) {
	return scanValue("", sample)
}

func scanValue(path string, v any) (field, kind string) {
	switch val := v.(type) {
	case string:
		for _, p := range secretPatterns {
			if p.re.MatchString(val) {
				return path, p.kind
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			if f, kd := scanValue(childPath, val[k]); kd != "" {
				return f, kd
			}
		}
	case []any:
		for _, child := range val {
			if f, kd := scanValue(path, child); kd != "" {
				return f, kd
			}
		}
	}
	return "", ""
}
