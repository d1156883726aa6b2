// Package roadmap is the Roadmap Cycle (C15): it analyzes the codebase,
// drives multi-agent ideation and validation through the deliberation
// engine's provider runner, and files approved proposals as host issues.
package roadmap

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var codeExtensions = map[string]string{
	".go": "go", ".py": "python", ".js": "javascript", ".ts": "typescript",
	".jsx": "javascript", ".tsx": "typescript", ".java": "java", ".rb": "ruby",
	".php": "php", ".c": "c", ".cpp": "cpp", ".rs": "rust",
}

var ignoreDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, "build": true,
	"dist": true, "target": true, ".idea": true, ".vscode": true,
}

var dependencyFiles = map[string]string{
	"go.mod": "go", "package.json": "npm", "requirements.txt": "pip", "Cargo.toml": "cargo",
}

// CodebaseMetrics summarizes a repository's file composition.
type CodebaseMetrics struct {
	TotalFiles        int
	TotalLines        int
	Languages         map[string]int
	FileTypes         map[string]int
	HasTests          bool
	HasDocumentation  bool
	Frameworks        []string
	PackageManagers   []string
}

// CodebaseAnalysis is the output of analyzing a repository (spec §4.15 step 1).
type CodebaseAnalysis struct {
	RepositoryPath string
	Metrics        CodebaseMetrics
}

// AnalyzeCodebase walks repoPath, counting source files by language and
// detecting tests, documentation, declared frameworks, and package managers.
func AnalyzeCodebase(repoPath string) (CodebaseAnalysis, error) {
	metrics := CodebaseMetrics{
		Languages: make(map[string]int),
		FileTypes: make(map[string]int),
	}

	var hasMD bool
	var imports []string

	err := filepath.WalkDir(repoPath, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() {
			if ignoreDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(repoPath, path)
		if err != nil {
			rel = path
		}
		lower := strings.ToLower(rel)

		if strings.HasSuffix(lower, ".md") {
			hasMD = true
		}
		if strings.Contains(lower, "test") {
			metrics.HasTests = true
		}

		if manager, ok := dependencyFiles[d.Name()]; ok {
			metrics.PackageManagers = append(metrics.PackageManagers, manager)
			if deps, err := parseDependencyFile(path, manager); err == nil {
				imports = append(imports, deps...)
			}
		}

		ext := filepath.Ext(d.Name())
		lang, ok := codeExtensions[ext]
		if !ok {
			return nil
		}

		lines, err := countLines(path)
		if err != nil {
			return nil
		}

		metrics.TotalFiles++
		metrics.TotalLines += lines
		metrics.Languages[lang]++
		metrics.FileTypes[ext]++
		return nil
	})
	if err != nil {
		return CodebaseAnalysis{}, err
	}

	metrics.HasDocumentation = hasMD
	metrics.Frameworks = detectFrameworks(imports)
	metrics.PackageManagers = dedupe(metrics.PackageManagers)

	return CodebaseAnalysis{RepositoryPath: repoPath, Metrics: metrics}, nil
}

func countLines(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	return strings.Count(string(data), "\n") + 1, nil
}

func parseDependencyFile(path, manager string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := string(data)
	var deps []string
	switch manager {
	case "go":
		// a shallow scan for module paths inside require(...) blocks.
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			for _, field := range strings.Fields(line) {
				if strings.Contains(field, "/") && !strings.HasPrefix(field, "//") {
					deps = append(deps, field)
					break
				}
			}
		}
	case "npm":
		deps = append(deps, "package.json")
	case "pip":
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			deps = append(deps, line)
		}
	}
	return deps, nil
}

var frameworkMarkers = []string{"react", "django", "flask", "fastapi", "gin-gonic", "cobra", "grpc"}

func detectFrameworks(imports []string) []string {
	found := map[string]bool{}
	for _, imp := range imports {
		lower := strings.ToLower(imp)
		for _, marker := range frameworkMarkers {
			if strings.Contains(lower, marker) {
				found[marker] = true
			}
		}
	}
	out := make([]string, 0, len(found))
	for k := range found {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func dedupe(items []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
