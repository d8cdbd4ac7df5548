package sandbox

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// maxSelectNodes bounds the result of one host.html.select call.
const maxSelectNodes = 1000

// Node is one element matched by host.html.select.
type Node struct {
	Text  string
	HTML  string
	Attrs map[string]string
}

func selectHTML(html, selector string) ([]Node, error) {
	if selector == "" {
		return nil, fmt.Errorf("selector is required")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	var nodes []Node
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		inner, _ := s.Html()
		n := Node{
			Text:  strings.TrimSpace(s.Text()),
			HTML:  inner,
			Attrs: make(map[string]string),
		}
		if len(s.Nodes) > 0 {
			for _, a := range s.Nodes[0].Attr {
				n.Attrs[a.Key] = a.Val
			}
		}
		nodes = append(nodes, n)
		return len(nodes) < maxSelectNodes
	})
	return nodes, nil
}
