// Package guard implements the Operation Guard (C7): classifies a set of
// file changes and a diff into zero or more risk-worthy Operation records.
package guard

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Kind is the closed enumeration of operation classifications.
type Kind string

const (
	FileDeletion       Kind = "FileDeletion"
	FileModification   Kind = "FileModification"
	SecurityChange     Kind = "SecurityChange"
	BreakingChange     Kind = "BreakingChange"
	ComplexChange      Kind = "ComplexChange"
	ProtectedFileAccess Kind = "ProtectedFileAccess"
	DatabaseMigration  Kind = "DatabaseMigration"
	ConfigurationChange Kind = "ConfigurationChange"
)

// Operation is one classified change detected in a proposed edit.
type Operation struct {
	Kind    Kind
	Files   []string
	Detail  string
}

// Patterns configures the glob sets the guard matches files against.
// Defaults are applied in config.applyDefaults.
type Patterns struct {
	Protected     []string
	Security      []string
	Migration     []string
	Configuration []string
}

// Guard classifies file changes and diffs into Operations.
type Guard struct {
	Patterns      Patterns
	MaxComplexity float64
}

// New builds a Guard from configured pattern sets and a complexity cap.
func New(patterns Patterns, maxComplexity float64) *Guard {
	if maxComplexity == 0 {
		maxComplexity = 8.0
	}
	return &Guard{Patterns: patterns, MaxComplexity: maxComplexity}
}

var sourceExt = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".java": true, ".rb": true, ".php": true, ".c": true, ".cc": true, ".cpp": true, ".h": true,
}

// Classify emits every Operation this change touches.
func (g *Guard) Classify(filesChanged, filesDeleted []string, diff, context string) []Operation {
	var ops []Operation

	if len(filesDeleted) > 0 {
		ops = append(ops, Operation{Kind: FileDeletion, Files: filesDeleted})
	}

	var protectedHits, securityHits, migrationHits, configHits []string
	for _, f := range append(append([]string{}, filesChanged...), filesDeleted...) {
		if matchesAny(f, g.Patterns.Protected) {
			protectedHits = append(protectedHits, f)
		}
		if isSourceLike(f) && matchesAny(f, g.Patterns.Security) {
			securityHits = append(securityHits, f)
		}
		if matchesAny(f, g.Patterns.Migration) {
			migrationHits = append(migrationHits, f)
		}
		if matchesAny(f, g.Patterns.Configuration) {
			configHits = append(configHits, f)
		}
	}
	if len(protectedHits) > 0 {
		ops = append(ops, Operation{Kind: ProtectedFileAccess, Files: protectedHits})
	}
	if len(securityHits) > 0 {
		ops = append(ops, Operation{Kind: SecurityChange, Files: securityHits})
	}
	if len(migrationHits) > 0 {
		ops = append(ops, Operation{Kind: DatabaseMigration, Files: migrationHits})
	}
	if len(configHits) > 0 {
		ops = append(ops, Operation{Kind: ConfigurationChange, Files: configHits})
	}

	score := ComplexityScore(len(filesChanged), len(filesDeleted), diff, len(protectedHits)+len(securityHits))
	if score > g.MaxComplexity {
		ops = append(ops, Operation{Kind: ComplexChange, Files: filesChanged, Detail: formatScore(score)})
	}

	if hits := breakingChangeSignatures(diff); len(hits) > 0 {
		ops = append(ops, Operation{Kind: BreakingChange, Files: filesChanged, Detail: strings.Join(hits, "; ")})
	}

	return ops
}

func matchesAny(file string, patterns []string) bool {
	parts := strings.Split(filepath.ToSlash(file), "/")
	for _, p := range patterns {
		for i := range parts {
			if ok, _ := filepath.Match(p, strings.Join(parts[i:], "/")); ok {
				return true
			}
			if ok, _ := filepath.Match(p, parts[i]); ok {
				return true
			}
		}
		if strings.Contains(p, "credentials") && strings.Contains(strings.ToLower(file), "credentials") {
			return true
		}
	}
	return false
}

func isSourceLike(file string) bool {
	return sourceExt[strings.ToLower(filepath.Ext(file))] || filepath.Ext(file) == ""
}

// ComplexityScore computes the 0-10 capped complexity score from spec §4.7:
// files_changed*0.5 + files_deleted*0.5 + lines_added*0.001 +
// lines_deleted*0.001 + critical_files*2.0.
func ComplexityScore(filesChanged, filesDeleted int, diff string, criticalFiles int) float64 {
	added, removed := countDiffLines(diff)
	score := float64(filesChanged)*0.5 + float64(filesDeleted)*0.5 +
		float64(added)*0.001 + float64(removed)*0.001 + float64(criticalFiles)*2.0
	if score > 10 {
		score = 10
	}
	return score
}

func countDiffLines(diff string) (added, removed int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---"):
			continue
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}
	return added, removed
}

func formatScore(score float64) string {
	return "complexity score " + trimFloat(score)
}

func trimFloat(f float64) string {
	s := strings.TrimRight(strings.TrimRight(
		strconv.FormatFloat(f, 'f', 3, 64), "0"), ".")
	if s == "" {
		s = "0"
	}
	return s
}

var (
	removedFuncRe  = regexp.MustCompile(`(?m)^-\s*(func|def|class|async def|async function)\s+\w+`)
	addedFuncRe    = regexp.MustCompile(`(?m)^\+\s*(func|def|class|async def|async function)\s+(\w+)`)
)

// breakingChangeSignatures applies a regex heuristic over removed/added
// function, class, and async-function signatures to flag likely breaking
// changes: a removed signature with no matching added one, or a paired
// removed/added signature whose return annotation differs.
func breakingChangeSignatures(diff string) []string {
	var hits []string
	removedSigs := removedFuncRe.FindAllString(diff, -1)
	for _, sig := range removedSigs {
		name := strings.TrimSpace(strings.TrimPrefix(sig, "-"))
		hits = append(hits, "removed signature: "+name)
	}

	removedReturns := extractReturnAnnotations(diff, "-")
	addedReturns := extractReturnAnnotations(diff, "+")
	for name, removedRet := range removedReturns {
		if addedRet, ok := addedReturns[name]; ok && addedRet != removedRet {
			hits = append(hits, "return type changed for "+name+": "+removedRet+" -> "+addedRet)
		}
	}
	return hits
}

var returnAnnotationRe = regexp.MustCompile(`^[-+]\s*func\s+(\w+)\([^)]*\)\s*(\S+)\s*\{?`)

func extractReturnAnnotations(diff, prefix string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(diff, "\n") {
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		m := returnAnnotationRe.FindStringSubmatch(line)
		if len(m) == 3 {
			out[m[1]] = m[2]
		}
	}
	return out
}
