package depsopt

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"
)

// scannableExtensions are the file types the external bundler can analyze.
var scannableExtensions = map[string]struct{}{
	".js":   {},
	".jsx":  {},
	".ts":   {},
	".tsx":  {},
	".mjs":  {},
	".html": {},
}

// computeEntries determines the scan entry points: explicit optimizer
// entries win, then configured build entries, then every HTML file under
// the root. HTML entries are reduced to the module scripts they reference.
func computeEntries(root string, optimizerEntries, buildEntries []string) ([]string, error) {
	candidates := optimizerEntries
	if len(candidates) == 0 {
		candidates = buildEntries
	}
	if len(candidates) == 0 {
		found, err := findHTMLFiles(root)
		if err != nil {
			return nil, err
		}
		candidates = found
	}

	var entries []string
	for _, entry := range candidates {
		abs := entry
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(root, entry)
		}
		if _, ok := scannableExtensions[strings.ToLower(filepath.Ext(abs))]; !ok {
			continue
		}
		if strings.EqualFold(filepath.Ext(abs), ".html") {
			scripts, err := moduleScripts(abs)
			if err != nil {
				continue
			}
			entries = append(entries, scripts...)
			continue
		}
		entries = append(entries, abs)
	}
	return entries, nil
}

// findHTMLFiles walks root for *.html, skipping dependency and VCS dirs.
func findHTMLFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if name == "node_modules" || strings.HasPrefix(name, ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".html") {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// moduleScripts extracts the local <script type="module" src> targets of an
// HTML file, resolved against the file's directory.
func moduleScripts(htmlPath string) ([]string, error) {
	f, err := os.Open(htmlPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := html.Parse(f)
	if err != nil {
		return nil, err
	}

	var scripts []string
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "script" {
			var src, typ string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "src":
					src = attr.Val
				case "type":
					typ = attr.Val
				}
			}
			if typ == "module" && src != "" && !strings.Contains(src, "://") {
				scripts = append(scripts, filepath.Join(filepath.Dir(htmlPath), filepath.FromSlash(strings.TrimPrefix(src, "/"))))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(doc)
	return scripts, nil
}
