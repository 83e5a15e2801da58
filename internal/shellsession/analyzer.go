package shellsession

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rendis/chispa/pkg/schema"
)

// Sampling limits for the content bundle.
const (
	maxBundleChars  = 15000
	maxSnippetChars = 2000
)

// ignoreDirs are directory names never descended into.
var ignoreDirs = map[string]bool{
	"__pycache__": true, ".git": true, ".svn": true, ".hg": true,
	"node_modules": true, ".venv": true, "venv": true, "env": true,
	".env": true, "build": true, "dist": true, ".pytest_cache": true,
	".coverage": true, "htmlcov": true, ".tox": true, ".idea": true,
	".vscode": true, ".vs": true, "target": true, "bin": true, "obj": true,
}

// docFilesPriority ranks documentation files, most important first.
var docFilesPriority = []string{
	"readme.md", "readme.rst", "readme.txt", "readme",
	"contributing.md", "contributing.rst",
	"license", "license.md", "license.txt",
	"changelog.md", "changelog.rst",
	"changes.md", "changes.rst",
}

// docDirs are directory names whose files rank as documentation.
var docDirs = map[string]bool{"docs": true, "documentation": true}

// Analysis is the analyzer's output: prioritized documentation content and
// a bounded sample of everything else.
type Analysis struct {
	DocumentationSummary string
	ContentSamples       string
}

// Render formats an analysis for a client-facing response.
func (a *Analysis) Render() string {
	var b strings.Builder
	if a.DocumentationSummary != "" {
		b.WriteString("--- Detected documentation ---\n")
		b.WriteString(a.DocumentationSummary)
	}
	if a.ContentSamples != "" {
		b.WriteString("\n--- File snippets ---\n")
		b.WriteString(a.ContentSamples)
	}
	if b.Len() == 0 {
		return "Analysis complete. No priority documentation or sample files found."
	}
	return strings.TrimSpace(b.String())
}

// DirectoryAnalyzer summarizes a directory tree: documentation files first,
// in priority order, then snippets of the remaining files up to a total
// budget.
type DirectoryAnalyzer struct {
	root string
}

// NewDirectoryAnalyzer validates that path is a directory.
func NewDirectoryAnalyzer(path string) (*DirectoryAnalyzer, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "resolve path: %v", err)
	}
	if !isDir(abs) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "path %q is not a valid directory", abs)
	}
	return &DirectoryAnalyzer{root: abs}, nil
}

// Analyze walks the tree and builds the summary.
func (a *DirectoryAnalyzer) Analyze() (*Analysis, error) {
	var docs []rankedFile
	var others []string

	err := filepath.WalkDir(a.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != a.root && ignoreDirs[strings.ToLower(d.Name())] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(a.root, p)
		if err != nil {
			return err
		}
		if rank, ok := docRank(rel); ok {
			docs = append(docs, rankedFile{rel: rel, rank: rank})
		} else {
			others = append(others, rel)
		}
		return nil
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "walk %s: %v", a.root, err)
	}

	sortRanked(docs)

	return &Analysis{
		DocumentationSummary: a.readDocs(docs),
		ContentSamples:       a.sampleBundle(others),
	}, nil
}

type rankedFile struct {
	rel  string
	rank int
}

func sortRanked(files []rankedFile) {
	sort.SliceStable(files, func(i, j int) bool { return files[i].rank < files[j].rank })
}

// docRank returns a file's documentation priority; lower ranks first. Files
// inside documentation directories rank below every named doc file.
func docRank(rel string) (int, bool) {
	name := strings.ToLower(filepath.Base(rel))
	for i, doc := range docFilesPriority {
		if name == doc {
			return i, true
		}
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if docDirs[strings.ToLower(part)] {
			return len(docFilesPriority) + 1, true
		}
	}
	return 0, false
}

func (a *DirectoryAnalyzer) readDocs(docs []rankedFile) string {
	var sections []string
	for _, doc := range docs {
		sections = append(sections, fmt.Sprintf("--- Content of %s ---\n%s\n", doc.rel, a.readFile(doc.rel)))
	}
	return strings.Join(sections, "\n")
}

func (a *DirectoryAnalyzer) sampleBundle(files []string) string {
	var bundle []string
	total := 0

	for _, rel := range files {
		if total >= maxBundleChars {
			break
		}
		text := a.readFile(rel)
		if strings.TrimSpace(text) == "" {
			continue
		}
		snippet := text
		if len(snippet) > maxSnippetChars {
			snippet = snippet[:maxSnippetChars] + "\n\n[... CONTENT TRUNCATED ...]"
		}
		bundle = append(bundle, fmt.Sprintf("--- Snippet of %s ---\n%s\n", rel, snippet))
		total += len(snippet)
	}
	return strings.Join(bundle, "\n")
}

func (a *DirectoryAnalyzer) readFile(rel string) string {
	data, err := os.ReadFile(filepath.Join(a.root, rel))
	if err != nil {
		return fmt.Sprintf("[Error reading file: %s]", filepath.Base(rel))
	}
	return string(data)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
