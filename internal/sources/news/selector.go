package news

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// step is one simple selector: an optional tag and any number of classes.
type step struct {
	tag     string
	classes []string
}

// Selector is a chain of simple selectors joined by the descendant
// combinator, e.g. ".nav_news .sub_nav ul li a p".
type Selector []step

func ParseSelector(s string) (Selector, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("news: empty selector")
	}
	out := make(Selector, 0, len(fields))
	for _, f := range fields {
		if strings.ContainsAny(f, ">+~[]:#*") {
			return nil, fmt.Errorf("news: unsupported selector step %q", f)
		}
		parts := strings.Split(f, ".")
		st := step{tag: strings.ToLower(parts[0])}
		for _, c := range parts[1:] {
			if c == "" {
				return nil, fmt.Errorf("news: bad selector step %q", f)
			}
			st.classes = append(st.classes, c)
		}
		out = append(out, st)
	}
	return out, nil
}

func (s Selector) String() string {
	parts := make([]string, len(s))
	for i, st := range s {
		parts[i] = st.tag
		for _, c := range st.classes {
			parts[i] += "." + c
		}
	}
	return strings.Join(parts, " ")
}

// First returns the first element under root, in document order, that
// matches s.
func (s Selector) First(root *html.Node) *html.Node {
	if root.Type == html.ElementNode && s.matches(root) {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if m := s.First(c); m != nil {
			return m
		}
	}
	return nil
}

// matches checks the last step against n and the rest against n's
// ancestors, nearest first.
func (s Selector) matches(n *html.Node) bool {
	if len(s) == 0 || !s[len(s)-1].match(n) {
		return false
	}
	i := len(s) - 2
	for p := n.Parent; p != nil && i >= 0; p = p.Parent {
		if p.Type == html.ElementNode && s[i].match(p) {
			i--
		}
	}
	return i < 0
}

func (st step) match(n *html.Node) bool {
	if st.tag != "" && n.Data != st.tag {
		return false
	}
	if len(st.classes) == 0 {
		return true
	}
	have := strings.Fields(getAttr(n, "class"))
	for _, want := range st.classes {
		found := false
		for _, h := range have {
			if h == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
