// Package redact scrubs secrets from free-text diagnostics such as stderr and
// error bodies before they are logged or stored.
package redact

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
	regexp "github.com/wasilibs/go-re2"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
)

// Placeholder replaces every redacted secret.
const Placeholder = "[REDACTED]"

// assignments catches key=value and "key": "value" pairs whose key names a
// credential. The key and separator are kept.
var assignments = []*regexp.Regexp{
	regexp.MustCompile(`(?i)((?:authorization|x-api-key|api[_-]?key|access[_-]?token|callback[_-]?token|task[_-]?token|token|secret|password|private[_-]?key)["']?\s*[:=]\s*["']?)([^\s"',;]+)`),
	regexp.MustCompile(`(?i)(bearer\s+)([a-z0-9\-._~+/]+=*)`),
	regexp.MustCompile(`(?i)(basic\s+)([a-z0-9+/]+=*)`),
}

// Redactor combines the gitleaks default ruleset with credential-assignment
// patterns.
type Redactor struct {
	detector *detect.Detector
}

// New loads the embedded gitleaks configuration.
func New() (*Redactor, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewBufferString(config.DefaultConfig)); err != nil {
		return nil, fmt.Errorf("failed to read embedded gitleaks config: %w", err)
	}

	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gitleaks config: %w", err)
	}
	cfg, err := vc.Translate()
	if err != nil {
		return nil, fmt.Errorf("failed to translate gitleaks config: %w", err)
	}
	return &Redactor{detector: detect.NewDetector(cfg)}, nil
}

// Redact returns s with detected secrets replaced by Placeholder. A nil
// Redactor applies only the assignment patterns.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}
	for _, re := range assignments {
		s = re.ReplaceAllString(s, "${1}"+Placeholder)
	}
	if r == nil || r.detector == nil {
		return s
	}

	findings := r.detector.DetectString(s)
	if len(findings) == 0 {
		return s
	}
	secrets := make([]string, 0, len(findings))
	for _, f := range findings {
		if f.Secret != "" && f.Secret != Placeholder {
			secrets = append(secrets, f.Secret)
		}
	}
	// Longest first so a secret containing another is replaced whole.
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })
	for _, sec := range secrets {
		s = strings.ReplaceAll(s, sec, Placeholder)
	}
	return s
}
