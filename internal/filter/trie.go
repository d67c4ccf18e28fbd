package filter

import (
	"strings"
)

// domainTrie matches hostnames against a set of exact and wildcard-suffix
// domain patterns.  Patterns and lookups are canonicalised to lower-case
// without the trailing dot.  A wildcard pattern "*.ads.example.com" is stored
// under the label path [com, example, ads] and matches the base domain as
// well as any name below it.
//
// The zero value is not ready for use, call newDomainTrie.
type domainTrie struct {
	root *trieNode
	num  int
}

// trieNode is a single node of a domainTrie.  The empty string in exact and
// wildcard means that no pattern of that kind terminates here.
type trieNode struct {
	children map[string]*trieNode
	exact    string
	wildcard string
}

// newDomainTrie returns a new empty domain trie.
func newDomainTrie() (t *domainTrie) {
	return &domainTrie{
		root: &trieNode{},
	}
}

// add inserts pattern into the trie.  Patterns consisting only of a wildcard
// or empty patterns are ignored.
func (t *domainTrie) add(pattern string) {
	pattern = canonicalHost(pattern)

	host, wild := pattern, false
	if strings.HasPrefix(pattern, "*.") {
		host, wild = pattern[len("*."):], true
	}

	if host == "" {
		return
	}

	node := t.root
	labels := strings.Split(host, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		if node.children == nil {
			node.children = map[string]*trieNode{}
		}

		next, ok := node.children[labels[i]]
		if !ok {
			next = &trieNode{}
			node.children[labels[i]] = next
		}

		node = next
	}

	if wild {
		node.wildcard = pattern
	} else {
		node.exact = pattern
	}

	t.num++
}

// match reports whether host matches any pattern in the trie and returns the
// text of the matched pattern.  host must already be canonicalised with
// canonicalHost.
func (t *domainTrie) match(host string) (pattern string, ok bool) {
	node := t.root
	labels := strings.Split(host, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		next, hasNext := node.children[labels[i]]
		if !hasNext {
			return node.wildcard, node.wildcard != ""
		}

		node = next
	}

	if node.exact != "" {
		return node.exact, true
	}

	return node.wildcard, node.wildcard != ""
}

// count returns the number of patterns inserted into the trie.
func (t *domainTrie) count() (n int) {
	return t.num
}

// canonicalHost lower-cases host and strips the trailing dot, if any.
func canonicalHost(host string) (canon string) {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
