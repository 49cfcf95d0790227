package security

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/xrelay/xrelay/pkg/types"
	"gopkg.in/yaml.v3"
)

// Source supplies the current access rules. Implementations must be safe for
// concurrent use; callers may ask on every request.
type Source interface {
	Rules() types.AccessRules
}

// DefaultRules are used for any key missing from the rules file.
func DefaultRules() types.AccessRules {
	return types.AccessRules{
		Enabled:          true,
		PassTokenEnabled: true,
	}
}

// Static is a Source whose rules only change through Update.
type Static struct {
	rules atomic.Pointer[types.AccessRules]
}

// NewStatic returns a Source that serves rules until updated.
func NewStatic(rules types.AccessRules) *Static {
	s := &Static{}
	s.Update(rules)
	return s
}

func (s *Static) Rules() types.AccessRules {
	return *s.rules.Load()
}

// Update publishes a new set of rules. The slices are copied.
func (s *Static) Update(rules types.AccessRules) {
	rules.AllowList = append([]string(nil), rules.AllowList...)
	rules.PassTokens = append([]string(nil), rules.PassTokens...)
	s.rules.Store(&rules)
}

type rulesFile struct {
	Security types.AccessRules `yaml:"security"`
}

// Load reads access rules from a YAML file of the form
//
//	security:
//	  enabled: true
//	  ipWhitelist: ["127.0.0.1"]
//	  passTokenEnabled: true
//	  passTokens: ["..."]
func Load(path string) (types.AccessRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.AccessRules{}, fmt.Errorf("failed to read rules file: %w", err)
	}
	return Parse(data)
}

// Parse decodes access rules from YAML, applying DefaultRules for absent keys.
func Parse(data []byte) (types.AccessRules, error) {
	doc := rulesFile{Security: DefaultRules()}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return types.AccessRules{}, fmt.Errorf("failed to parse rules file: %w", err)
	}
	return doc.Security, nil
}
