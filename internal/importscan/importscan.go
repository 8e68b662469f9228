// Package importscan provides lightweight, regex-based extraction of import
// specifiers from JavaScript module code. It is deliberately not a full
// parser: the soft-invalidation replay path and the dependency scanner only
// need specifier positions, which this covers for the import forms emitted
// by the transform pipeline.
package importscan

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// Import is one import statement found in module code.
type Import struct {
	// Specifier is the raw import specifier text.
	Specifier string
	// Start and End delimit the specifier inside the scanned code,
	// excluding the surrounding quotes.
	Start int
	End   int
	// Dynamic marks import() expressions.
	Dynamic bool
}

var (
	// import defaultExport from "spec"; import "spec"; import * as ns from "spec"
	staticImportRe = regexp.MustCompile(`(?m)(?:^|[;}])\s*import\s+(?:[\w$*\s{},]*?from\s+)?['"]([^'"\n]+)['"]`)
	// export * from "spec"; export { a, b } from "spec"
	reExportRe = regexp.MustCompile(`(?m)(?:^|[;}])\s*export\s+(?:\*(?:\s+as\s+[\w$]+)?|\{[^}]*\})\s+from\s+['"]([^'"\n]+)['"]`)
	// import("spec")
	dynamicImportRe = regexp.MustCompile(`\bimport\(\s*['"]([^'"\n]+)['"]\s*\)`)
	commentRe       = regexp.MustCompile(`//[^\n]*|/\*[\s\S]*?\*/`)
)

// Scan returns all imports found in code, static re-exports included, in
// source order. Comment bodies are blanked before matching so commented-out
// imports are not reported.
func Scan(code string) []Import {
	stripped := blankComments(code)

	var imports []Import
	for _, re := range []*regexp.Regexp{staticImportRe, reExportRe} {
		for _, m := range re.FindAllStringSubmatchIndex(stripped, -1) {
			imports = append(imports, Import{
				Specifier: code[m[2]:m[3]],
				Start:     m[2],
				End:       m[3],
			})
		}
	}
	for _, m := range dynamicImportRe.FindAllStringSubmatchIndex(stripped, -1) {
		imports = append(imports, Import{
			Specifier: code[m[2]:m[3]],
			Start:     m[2],
			End:       m[3],
			Dynamic:   true,
		})
	}

	sortByStart(imports)
	return imports
}

// ScanStatic returns only the non-dynamic imports of code.
func ScanStatic(code string) []Import {
	all := Scan(code)
	static := all[:0]
	for _, imp := range all {
		if !imp.Dynamic {
			static = append(static, imp)
		}
	}
	return static
}

// blankComments replaces comment bodies with spaces, preserving offsets.
func blankComments(code string) string {
	return commentRe.ReplaceAllStringFunc(code, func(s string) string {
		return strings.Repeat(" ", len(s))
	})
}

func sortByStart(imports []Import) {
	for i := 1; i < len(imports); i++ {
		for j := i; j > 0 && imports[j].Start < imports[j-1].Start; j-- {
			imports[j], imports[j-1] = imports[j-1], imports[j]
		}
	}
}

// Rewrite replaces specifiers in code. replace receives each import and
// returns the new specifier, or "" to keep the original. Offsets stay valid
// because replacement happens back to front.
func Rewrite(code string, imports []Import, replace func(Import) string) string {
	out := code
	for i := len(imports) - 1; i >= 0; i-- {
		imp := imports[i]
		next := replace(imp)
		if next == "" || next == imp.Specifier {
			continue
		}
		out = out[:imp.Start] + next + out[imp.End:]
	}
	return out
}

// InjectTimestamp sets the t query parameter of specifier to ts, replacing
// any previous value. A zero ts strips the parameter.
func InjectTimestamp(specifier string, ts int64) string {
	base, query := specifier, ""
	if i := strings.IndexByte(specifier, '?'); i >= 0 {
		base, query = specifier[:i], specifier[i+1:]
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		values = url.Values{}
	}
	if ts == 0 {
		values.Del("t")
	} else {
		values.Set("t", strconv.FormatInt(ts, 10))
	}
	if len(values) == 0 {
		return base
	}
	return base + "?" + values.Encode()
}

// Timestamp extracts the t query parameter of specifier, or 0.
func Timestamp(specifier string) int64 {
	i := strings.IndexByte(specifier, '?')
	if i < 0 {
		return 0
	}
	values, err := url.ParseQuery(specifier[i+1:])
	if err != nil {
		return 0
	}
	ts, err := strconv.ParseInt(values.Get("t"), 10, 64)
	if err != nil || ts < 0 {
		return 0
	}
	return ts
}
