package extraction

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// teaser is one article stub collected from a listing page.
type teaser struct {
	title string
	date  string
	link  string
}

func parsePage(content string) (*html.Node, error) {
	return html.Parse(strings.NewReader(content))
}

// elementsByClass collects element nodes carrying the given class.
func elementsByClass(root *html.Node, class string) []*html.Node {
	class = strings.TrimPrefix(class, ".")
	var nodes []*html.Node
	walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && hasClass(n, class) {
			nodes = append(nodes, n)
			// Do not descend into a matched element.
			return false
		}
		return true
	})
	return nodes
}

// walk visits nodes depth-first; visit returning false prunes the subtree.
func walk(n *html.Node, visit func(*html.Node) bool) {
	if !visit(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

func hasClass(n *html.Node, class string) bool {
	for _, attr := range n.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(attr.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// firstElement returns the first descendant with one of the given tag names,
// in document order.
func firstElement(root *html.Node, tags ...string) *html.Node {
	var found *html.Node
	walk(root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode {
			for _, tag := range tags {
				if n.Data == tag {
					found = n
					return false
				}
			}
		}
		return true
	})
	return found
}

// textContent concatenates the text nodes under root.
func textContent(root *html.Node) string {
	var sb strings.Builder
	walk(root, func(n *html.Node) bool {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		return true
	})
	return strings.TrimSpace(sb.String())
}

// parseTeaser extracts the title, date and link from one teaser element.
// The title comes from the first heading (falling back to the first anchor),
// the date from a <time> element, the link from the title's anchor or the
// first anchor in the teaser. Teasers without a link are dropped.
func parseTeaser(n *html.Node, pageURL string) (teaser, bool) {
	out := teaser{}

	titleElem := firstElement(n, "h2", "h3", "h4", "a")
	if titleElem != nil {
		out.title = textContent(titleElem)
	}
	if out.title == "" {
		out.title = "NoTitle"
	}

	if timeElem := firstElement(n, "time"); timeElem != nil {
		out.date = textContent(timeElem)
		if out.date == "" {
			out.date = attr(timeElem, "datetime")
		}
	}

	linkElem := firstElement(n, "a")
	if titleElem != nil && titleElem.Data == "a" {
		linkElem = titleElem
	} else if titleElem != nil {
		if a := firstElement(titleElem, "a"); a != nil {
			linkElem = a
		}
	}
	if linkElem == nil {
		return out, false
	}
	href := attr(linkElem, "href")
	if href == "" {
		return out, false
	}

	out.link = resolveLink(pageURL, href)
	return out, out.link != ""
}

// resolveLink makes a teaser href absolute against the listing page URL.
func resolveLink(pageURL, href string) string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// extractContent returns the article body text: the paragraphs under the
// elements matching the content selector, or every paragraph on the page
// when no selector is configured.
func extractContent(root *html.Node, contentSelector string) string {
	scopes := []*html.Node{root}
	if contentSelector != "" {
		scopes = elementsByClass(root, contentSelector)
	}

	var parts []string
	for _, scope := range scopes {
		walk(scope, func(n *html.Node) bool {
			if n.Type == html.ElementNode && n.Data == "p" {
				if text := textContent(n); text != "" {
					parts = append(parts, text)
				}
				return false
			}
			return true
		})
	}
	return strings.Join(parts, "\n\n")
}
