package transform

import (
	"regexp"
	"strings"

	"github.com/conneroisu/modserve/internal/graph"
)

var (
	// import.meta.hot.accept(...) with an optional dep list as the first
	// argument.
	hotAcceptRe = regexp.MustCompile(`import\.meta\.hot\.accept\s*\(([^)]*)\)`)
	// import.meta.hot.acceptExports(["name", ...])
	hotAcceptExportsRe = regexp.MustCompile(`import\.meta\.hot\.acceptExports\s*\(\s*\[([^\]]*)\]`)
	stringLiteralRe    = regexp.MustCompile(`['"]([^'"]+)['"]`)
)

// parseHotAccepts extracts the hot-update acceptance boundary declared by
// the module's own code: which of its dependencies it accepts updates for,
// which of its exports, and whether it accepts its own updates.
func (c *Coordinator) parseHotAccepts(mod *graph.ModuleNode, code string) (accepted map[*graph.ModuleNode]struct{}, acceptedExports map[string]struct{}, selfAccepting bool) {
	accepted = make(map[*graph.ModuleNode]struct{})
	acceptedExports = make(map[string]struct{})

	for _, m := range hotAcceptRe.FindAllStringSubmatch(code, -1) {
		args := strings.TrimSpace(m[1])
		// A call with no dep-list argument accepts the module itself,
		// with or without a callback.
		if args == "" || !strings.ContainsAny(args, `'"`) {
			selfAccepting = true
			continue
		}
		for _, lit := range stringLiteralRe.FindAllStringSubmatch(args, -1) {
			depURL := c.resolveImportURL(mod, lit[1])
			if depURL == "" {
				continue
			}
			if dep := c.graph.GetModuleByURL(depURL); dep != nil {
				accepted[dep] = struct{}{}
			}
		}
	}

	for _, m := range hotAcceptExportsRe.FindAllStringSubmatch(code, -1) {
		for _, lit := range stringLiteralRe.FindAllStringSubmatch(m[1], -1) {
			acceptedExports[lit[1]] = struct{}{}
		}
		selfAccepting = true
	}
	return accepted, acceptedExports, selfAccepting
}
