package filters

import (
	"fmt"
	"regexp"
	"strings"
)

// Display-entry matching. Each call-list column accepts a short match
// string with its own grammar: case-insensitive substring by default, a
// leading '~' switches to regular expression, a leading '-' negates.

// DisplayColumns are the columns a display entry can match on.
var DisplayColumns = []string{"callid", "from", "to", "src", "dst", "method", "state", "duration"}

// CompileColumn builds a filter for one column's match string.
func CompileColumn(column, text string) (*Filter, error) {
	column = strings.ToLower(column)
	if !knownFields[column] {
		return nil, fmt.Errorf("filter: unknown column %q", column)
	}

	source := column + "\x00" + text
	negate := false
	if rest, ok := strings.CutPrefix(text, "-"); ok {
		negate = true
		text = rest
	}

	var leaf node
	if rest, ok := strings.CutPrefix(text, "~"); ok {
		re, err := regexp.Compile("(?i)" + rest)
		if err != nil {
			return nil, fmt.Errorf("filter: bad regexp for column %s: %w", column, err)
		}
		leaf = &regexLeaf{field: column, re: re}
	} else {
		leaf = &containsLeaf{field: column, value: strings.ToLower(text)}
	}
	if negate {
		leaf = &notNode{child: leaf}
	}
	return &Filter{source: source, root: leaf}, nil
}

// All combines filters conjunctively; nil entries are skipped. The result
// matches candidates that satisfy every given filter.
func All(fs ...*Filter) *Filter {
	var root node
	var sources []string
	for _, f := range fs {
		if f == nil || f.root == nil {
			continue
		}
		sources = append(sources, f.source)
		if root == nil {
			root = f.root
		} else {
			root = &andNode{left: root, right: f.root}
		}
	}
	if root == nil {
		return nil
	}
	return &Filter{source: strings.Join(sources, "\x01"), root: root}
}
