package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// control is a matched actuation element plus the form enclosing it, when
// one exists.
type control struct {
	node *html.Node
	form *html.Node
}

// findControl walks the document for the first element whose visible
// label contains text (case-insensitive). Candidates are the elements a
// portal plausibly renders a door release as: buttons, links, submit
// inputs, and anything marked role="button".
func findControl(doc *html.Node, text string) (control, bool) {
	want := strings.ToLower(text)

	var found control
	var walk func(n *html.Node, form *html.Node) bool
	walk = func(n *html.Node, form *html.Node) bool {
		if n.Type == html.ElementNode {
			if n.Data == "form" {
				form = n
			}
			if isCandidate(n) && strings.Contains(strings.ToLower(labelOf(n)), want) {
				found = control{node: n, form: form}
				return true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c, form) {
				return true
			}
		}
		return false
	}

	if !walk(doc, nil) {
		return control{}, false
	}
	return found, true
}

func isCandidate(n *html.Node) bool {
	switch n.Data {
	case "button", "a":
		return true
	case "input":
		t := strings.ToLower(attr(n, "type"))
		return t == "submit" || t == "button" || t == "image"
	default:
		return strings.EqualFold(attr(n, "role"), "button")
	}
}

// labelOf returns the text a user would read on the element: the value
// attribute for inputs, the visible text content otherwise.
func labelOf(n *html.Node) string {
	if n.Data == "input" {
		if v := attr(n, "value"); v != "" {
			return v
		}
		return attr(n, "aria-label")
	}
	var b strings.Builder
	collectText(n, &b)
	return strings.TrimSpace(b.String())
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		return
	}
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val
		}
	}
	return ""
}

// buildInvoke translates "click this control" into an HTTP request.
// Anchors become a GET of their target; form controls become a submission
// of their enclosing form carrying its hidden fields (CSRF tokens and the
// like) plus the control's own name/value pair.
func buildInvoke(ctx context.Context, c control, pageURL *url.URL) (*http.Request, error) {
	if c.node.Data == "a" {
		href := attr(c.node, "href")
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return nil, fmt.Errorf("control link has no invokable target")
		}
		target, err := pageURL.Parse(href)
		if err != nil {
			return nil, fmt.Errorf("resolve control link: %w", err)
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	}

	if c.form == nil {
		// A bare button outside any form needs script to do anything;
		// there is nothing we can replay.
		return nil, fmt.Errorf("control is not inside a form and is not a link")
	}

	values := formValues(c.form, c.node)

	actionURL := pageURL
	if action := attr(c.form, "action"); action != "" {
		resolved, err := pageURL.Parse(action)
		if err != nil {
			return nil, fmt.Errorf("resolve form action: %w", err)
		}
		actionURL = resolved
	}

	// Access-control release forms post; default to POST when the form
	// does not say otherwise.
	method := strings.ToUpper(attr(c.form, "method"))
	if method == "" {
		method = http.MethodPost
	}

	if method == http.MethodGet {
		u := *actionURL
		u.RawQuery = values.Encode()
		return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, actionURL.String(), strings.NewReader(values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

// formValues gathers the form's hidden fields plus the invoked control's
// own name/value.
func formValues(form, invoked *html.Node) url.Values {
	values := url.Values{}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "input" {
			if strings.ToLower(attr(n, "type")) == "hidden" {
				if name := attr(n, "name"); name != "" {
					values.Set(name, attr(n, "value"))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(form)

	if name := attr(invoked, "name"); name != "" {
		values.Set(name, attr(invoked, "value"))
	}
	return values
}
