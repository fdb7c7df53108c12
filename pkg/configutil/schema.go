package configutil

import (
	"sort"
	"strings"

	"github.com/harunnryd/relay/pkg/errorsx"
)

// Schema lists the keys a provider settings map may carry. Path names the
// map in error messages (for example "recognizer.settings").
type Schema struct {
	Path         string
	Required     []string
	Optional     []string
	AllowUnknown bool
}

func (s Schema) path() string {
	if s.Path == "" {
		return "settings"
	}
	return s.Path
}

// keys maps normalized key names to the spelling used in the schema.
func (s Schema) keys() (required, allowed map[string]string) {
	required = make(map[string]string, len(s.Required))
	allowed = make(map[string]string, len(s.Required)+len(s.Optional))
	for _, k := range s.Required {
		required[normalizeKey(k)] = k
		allowed[normalizeKey(k)] = k
	}
	for _, k := range s.Optional {
		allowed[normalizeKey(k)] = k
	}
	return required, allowed
}

// ValidateSettings checks input against schema. Key matching ignores case,
// underscores and hyphens. Failures carry errorsx.ReasonConfigInvalid so they
// end startup the same way as the rest of the configuration.
func ValidateSettings(input map[string]any, schema Schema) error {
	required, allowed := schema.keys()

	var missing, unknown []string
	present := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		if _, ok := allowed[nk]; !ok && !schema.AllowUnknown {
			unknown = append(unknown, k)
			continue
		}
		present[nk] = !isBlank(v)
	}
	for nk, name := range required {
		if !present[nk] {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}

	sort.Strings(missing)
	sort.Strings(unknown)
	var problems []string
	if len(missing) > 0 {
		problems = append(problems, "missing: "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		problems = append(problems, "unknown: "+strings.Join(unknown, ", "))
	}
	return errorsx.Newf(errorsx.ReasonConfigInvalid, "%s: %s", schema.path(), strings.Join(problems, "; "))
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}
