package arbiter

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// pathKeys are argument names treated as filesystem paths.
var pathKeys = map[string]bool{
	"path":      true,
	"filePath":  true,
	"file_path": true,
	"filepath":  true,
	"directory": true,
	"dir":       true,
	"folder":    true,
}

// injectionHints flag prompt-injection attempts inside string
// arguments. Matches warn; they never block.
var injectionHints = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above) instructions`),
	regexp.MustCompile(`(?i)disregard (the )?(system|your) prompt`),
	regexp.MustCompile(`(?i)you are now`),
	regexp.MustCompile(`(?i)\bnew instructions\b`),
	regexp.MustCompile(`(?i)reveal (the |your )?(system prompt|instructions)`),
	regexp.MustCompile(`(?i)<\s*/?\s*system\s*>`),
}

// Validation is the outcome of argument checking. Errors block the
// call; warnings attach to the trace.
type Validation struct {
	Errors   []string
	Warnings []string
}

// OK reports whether the call may proceed.
func (v *Validation) OK() bool { return len(v.Errors) == 0 }

// validateArgs checks path arguments for traversal and string
// arguments for injection hints.
func validateArgs(args map[string]any, sandboxRoots []string) Validation {
	var v Validation
	for key, raw := range args {
		value, isString := raw.(string)
		if !isString {
			continue
		}

		if pathKeys[key] {
			cleaned := filepath.Clean(value)
			if strings.Contains(value, "..") || strings.HasPrefix(cleaned, "..") {
				v.Errors = append(v.Errors, fmt.Sprintf("argument %q contains a path traversal: %s", key, value))
				continue
			}
			if filepath.IsAbs(cleaned) && !underAnyRoot(cleaned, sandboxRoots) {
				v.Warnings = append(v.Warnings, fmt.Sprintf("argument %q is an absolute path outside the sandbox: %s", key, cleaned))
			}
		}

		for _, hint := range injectionHints {
			if hint.MatchString(value) {
				v.Warnings = append(v.Warnings, fmt.Sprintf("argument %q matches injection pattern %q", key, hint.String()))
				break
			}
		}
	}
	return v
}

func underAnyRoot(path string, roots []string) bool {
	for _, root := range roots {
		if root == "" {
			continue
		}
		rel, err := filepath.Rel(root, path)
		if err == nil && !strings.HasPrefix(rel, "..") {
			return true
		}
	}
	return false
}
