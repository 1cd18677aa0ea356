// Command importcheck enforces the package layering.
//
// The protocol packages (resolver, executor, anchor workflow, receipt state
// machine and their stores) must not depend on configuration, transports,
// wire clients or the binaries. Everything under pkg/ must stay free of
// internal/ and cmd/.
//
// Usage:
//
//	go run ./tools/importcheck [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const modulePath = "github.com/isomw/proofgate"

// rule forbids imports containing any of Forbidden for files under Dir.
type rule struct {
	Dir       string
	Forbidden []string
}

var protocolForbidden = []string{
	modulePath + "/pkg/config",
	modulePath + "/pkg/transport",
	modulePath + "/pkg/isomw",
	modulePath + "/pkg/chain",
	modulePath + "/pkg/agent",
	modulePath + "/internal/",
	modulePath + "/cmd/",
}

var rules = []rule{
	{Dir: "pkg/action", Forbidden: protocolForbidden},
	{Dir: "pkg/anchor", Forbidden: protocolForbidden},
	{Dir: "pkg/payment", Forbidden: protocolForbidden},
	{Dir: "pkg/receipts", Forbidden: protocolForbidden},
	{Dir: "pkg/retry", Forbidden: protocolForbidden},
	{Dir: "pkg/ledger", Forbidden: protocolForbidden},
	{Dir: "pkg/budget", Forbidden: protocolForbidden},
	{Dir: "pkg", Forbidden: []string{modulePath + "/pkg/config", modulePath + "/internal/", modulePath + "/cmd/"}},
}

type violation struct {
	File   string
	Line   int
	Import string
	Rule   string
}

func (v violation) String() string {
	return fmt.Sprintf("%s:%d imports %q (forbidden under %s)", v.File, v.Line, v.Import, v.Rule)
}

func main() {
	root := flag.String("root", ".", "project root directory")
	flag.Parse()
	os.Exit(run(*root, os.Stdout, os.Stderr))
}

func run(root string, stdout, stderr io.Writer) int {
	violations, err := check(root, rules)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	for _, v := range violations {
		_, _ = fmt.Fprintf(stdout, "LAYER VIOLATION: %s\n", v)
	}
	if len(violations) > 0 {
		_, _ = fmt.Fprintf(stdout, "\n❌ %d layering violation(s) found\n", len(violations))
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "✅ layering check passed")
	return 0
}

// check parses the imports of every non-test Go file under each rule's
// directory. A missing rule directory is an error.
func check(root string, rules []rule) ([]violation, error) {
	fset := token.NewFileSet()
	var out []violation

	for _, r := range rules {
		dir := filepath.Join(root, filepath.FromSlash(r.Dir))
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Dir, err)
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == "testdata" || d.Name() == "vendor" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}

			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				for _, frag := range r.Forbidden {
					if strings.HasPrefix(importPath, frag) {
						rel, _ := filepath.Rel(root, path)
						out = append(out, violation{
							File:   filepath.ToSlash(rel),
							Line:   fset.Position(imp.Pos()).Line,
							Import: importPath,
							Rule:   r.Dir,
						})
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out, nil
}
