// ABOUTME: HTML text extraction: title, readable text, and keyword-bearing sentences for claims.
// ABOUTME: Walks the parse tree from x/net/html, skipping script, style, and navigation chrome.

package research

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	multiSpace   = regexp.MustCompile(`[ \t]{2,}`)
	multiNewline = regexp.MustCompile(`\n{3,}`)
)

// Extraction is the readable content pulled from one page.
type Extraction struct {
	Title string
	Text  string
}

// ExtractText parses the HTML and returns its title and readable text.
// Unparseable input yields an empty extraction, never an error; the caller
// treats empty text as extraction failure.
func ExtractText(rawHTML string) Extraction {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return Extraction{}
	}

	var ex Extraction
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "nav", "header", "footer", "iframe", "svg":
				return
			case "title":
				if ex.Title == "" && n.FirstChild != nil {
					ex.Title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			case "p", "div", "li", "h1", "h2", "h3", "h4", "tr", "br", "section", "article":
				b.WriteString("\n")
			}
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				b.WriteString(text)
				b.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	text := b.String()
	text = multiSpace.ReplaceAllString(text, " ")
	text = multiNewline.ReplaceAllString(text, "\n\n")
	ex.Text = strings.TrimSpace(text)
	return ex
}

// RelevantSentences returns sentences containing at least one keyword, best
// first by keyword density, capped at limit.
func RelevantSentences(text string, keywords []string, limit int) []string {
	if limit < 1 {
		return nil
	}
	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}

	type scored struct {
		sentence string
		hits     int
	}
	var candidates []scored
	for _, raw := range splitSentences(text) {
		sentence := strings.TrimSpace(raw)
		if len(sentence) < 20 || len(sentence) > 500 {
			continue
		}
		low := strings.ToLower(sentence)
		hits := 0
		for _, k := range lowered {
			if k != "" && strings.Contains(low, k) {
				hits++
			}
		}
		if hits > 0 {
			candidates = append(candidates, scored{sentence, hits})
		}
	}

	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j-1].hits < candidates[j].hits; j-- {
			candidates[j-1], candidates[j] = candidates[j], candidates[j-1]
		}
	}

	out := make([]string, 0, limit)
	for _, c := range candidates {
		out = append(out, c.sentence)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
}
