package inbox

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Quoted-reply markers. Everything from the first match onward is trimmed
// so only the sender's new text is scored.
var (
	quoteHeaderRegex   = regexp.MustCompile(`(?m)^On .{0,200} wrote:\s*$`)
	originalMsgRegex   = regexp.MustCompile(`(?m)^-{2,}\s*Original Message\s*-{2,}\s*$`)
	forwardBlockRegex  = regexp.MustCompile(`(?m)^(From|To|Sent|Subject):\s.*$`)
	quotedLineRegex    = regexp.MustCompile(`(?m)^>.*$`)
	blankRunRegex      = regexp.MustCompile(`\n{3,}`)
	contactNumberRegex = regexp.MustCompile(`\b\d{10}\b`)
)

// NewText returns only the text the sender newly wrote: the HTML body is
// flattened if no plain part exists, quoted history is stripped, and
// whitespace is collapsed.
func (m *Message) NewText() string {
	body := m.Body
	if body == "" && m.HTMLBody != "" {
		body = HTMLToText(m.HTMLBody)
	}
	return StripQuoted(body)
}

// StripQuoted removes quoted reply history from an email body.
func StripQuoted(body string) string {
	// Cut at the first quote-introduction marker.
	for _, re := range []*regexp.Regexp{quoteHeaderRegex, originalMsgRegex} {
		if loc := re.FindStringIndex(body); loc != nil {
			body = body[:loc[0]]
		}
	}

	// A From:/To:/Sent:/Subject: header block marks a forwarded or
	// Outlook-style quoted message.
	if loc := forwardBlockRegex.FindStringIndex(body); loc != nil {
		body = body[:loc[0]]
	}

	body = quotedLineRegex.ReplaceAllString(body, "")
	body = blankRunRegex.ReplaceAllString(body, "\n\n")
	return strings.TrimSpace(body)
}

// HTMLToText flattens an HTML body to plain text.
func HTMLToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		// Fallback: crude tag removal.
		re := regexp.MustCompile(`<[^>]+>`)
		return strings.TrimSpace(re.ReplaceAllString(html, " "))
	}
	doc.Find("script, style").Remove()
	return strings.TrimSpace(doc.Text())
}

// ExtractContactNumbers finds 10-digit phone numbers in a message body.
func ExtractContactNumbers(text string) []string {
	matches := contactNumberRegex.FindAllString(text, -1)

	seen := make(map[string]bool)
	var numbers []string
	for _, n := range matches {
		if !seen[n] {
			seen[n] = true
			numbers = append(numbers, n)
		}
	}
	return numbers
}
