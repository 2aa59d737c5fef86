package notify

import (
	"html"
	"sort"
	"strings"
	"unicode/utf8"

	"listing-notifier/pkg/listing"
)

const (
	captionHeader = "New notification!"
	openLinkText  = "Open ad"
	ellipsis      = "…"

	// PhotoCaptionLimit is the longest caption the chat service accepts on a photo.
	PhotoCaptionLimit = 1024
	// TextLimit is the longest text message the chat service accepts.
	TextLimit = 4096
)

// FormatCaption renders the HTML caption for a listing: the fixed header followed
// by one labeled line per present field. Values are escaped for HTML parse mode.
// Description, then title, is shortened until the caption fits in limit runes.
func FormatCaption(d *listing.Detail, limit int) string {
	caption := renderCaption(d.Title, d.Description, d.Price)
	if limit <= 0 || utf8.RuneCountInString(caption) <= limit {
		return caption
	}

	desc := fitField(d.Description, limit, func(v string) string {
		return renderCaption(d.Title, v, d.Price)
	})
	if desc != "" {
		return renderCaption(d.Title, desc, d.Price)
	}

	title := fitField(d.Title, limit, func(v string) string {
		return renderCaption(v, "", d.Price)
	})
	return renderCaption(title, "", d.Price)
}

// fitField returns the longest shortened value whose rendered caption fits in limit
// runes, or "" if not even one rune fits. The rendered length is measured after
// escaping, so escapable characters cost more than one rune each.
func fitField(value string, limit int, render func(string) string) string {
	runes := []rune(value)
	keep := sort.Search(len(runes), func(i int) bool {
		return utf8.RuneCountInString(render(truncate(runes, i+1))) > limit
	})
	if keep == 0 {
		return ""
	}
	return truncate(runes, keep)
}

func renderCaption(title, desc, price string) string {
	var b strings.Builder
	b.WriteString(captionHeader)
	b.WriteString("\n")
	for _, f := range []struct{ label, value string }{
		{"Title", title},
		{"Description", desc},
		{"Price", price},
	} {
		if f.value == "" {
			continue
		}
		b.WriteString("\n<b>")
		b.WriteString(f.label)
		b.WriteString("</b>: ")
		b.WriteString(html.EscapeString(f.value))
	}
	return b.String()
}

// truncate keeps the first n runes and marks the cut with an ellipsis.
func truncate(runes []rune, n int) string {
	if n > len(runes) {
		n = len(runes)
	}
	return strings.TrimSpace(string(runes[:n])) + ellipsis
}
