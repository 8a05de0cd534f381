package hub

import (
	"fmt"
	"regexp"
	"strings"
)

// NodeFilter selects which files of a product package are downloaded when
// a product is fetched as individual nodes instead of a single archive.
type NodeFilter interface {
	Matches(node *NodeInfo) bool
}

// AllNodes returns a filter that selects every node, downloading the
// product as a directory instead of a single archive.
func AllNodes() NodeFilter { return allNodes{} }

type allNodes struct{}

func (allNodes) Matches(*NodeInfo) bool { return true }

// SizeFilter selects nodes no larger than MaxSize bytes.
type SizeFilter struct {
	MaxSize int64
}

func (f SizeFilter) Matches(node *NodeInfo) bool {
	return node.Size <= f.MaxSize
}

// PathFilter selects nodes whose package path matches a glob pattern,
// case-insensitively. A star crosses directory separators, matching how
// manifest paths are usually filtered ("*_quicklook.png" selects the file
// wherever it sits in the package). With Exclude set the selection is
// inverted.
type PathFilter struct {
	pattern *regexp.Regexp
	exclude bool
}

// NewPathFilter compiles a shell glob ('*', '?' and '[...]' classes) into
// a filter.
func NewPathFilter(pattern string, exclude bool) (*PathFilter, error) {
	re, err := globToRegexp(strings.ToLower(pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid node path pattern %q: %w", pattern, err)
	}

	return &PathFilter{pattern: re, exclude: exclude}, nil
}

func (f *PathFilter) Matches(node *NodeInfo) bool {
	match := f.pattern.MatchString(strings.ToLower(node.Path))
	if f.exclude {
		return !match
	}

	return match
}

func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder

	sb.WriteString(`\A`)

	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		case '[':
			j := i + 1
			if j < len(pattern) && (pattern[j] == '!' || pattern[j] == '^') {
				j++
			}
			// a ']' right after the opening bracket is a literal
			if j < len(pattern) && pattern[j] == ']' {
				j++
			}
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j >= len(pattern) {
				sb.WriteString(`\[`)
				continue
			}
			class := pattern[i+1 : j]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			sb.WriteString("[" + class + "]")
			i = j
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}

	sb.WriteString(`\z`)

	return regexp.Compile(sb.String())
}

// And selects nodes matched by every filter.
func And(filters ...NodeFilter) NodeFilter { return andFilter(filters) }

type andFilter []NodeFilter

func (fs andFilter) Matches(node *NodeInfo) bool {
	for _, f := range fs {
		if !f.Matches(node) {
			return false
		}
	}

	return true
}

// Or selects nodes matched by at least one filter.
func Or(filters ...NodeFilter) NodeFilter { return orFilter(filters) }

type orFilter []NodeFilter

func (fs orFilter) Matches(node *NodeInfo) bool {
	for _, f := range fs {
		if f.Matches(node) {
			return true
		}
	}

	return false
}

// Not inverts a filter.
func Not(f NodeFilter) NodeFilter { return notFilter{inner: f} }

type notFilter struct{ inner NodeFilter }

func (f notFilter) Matches(node *NodeInfo) bool { return !f.inner.Matches(node) }
