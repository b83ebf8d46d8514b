// Package metadata renders the optional goal/target/indicator/series
// descriptor attached to a publish request into item tags and a description.
package metadata

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Code is one level of the descriptor hierarchy.
type Code struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// Descriptor is the free-form object callers attach to a job. Any level may
// be nil.
type Descriptor struct {
	Goal      *Code `json:"goal,omitempty"`
	Target    *Code `json:"target,omitempty"`
	Indicator *Code `json:"indicator,omitempty"`
	Series    *Code `json:"series,omitempty"`
}

type level struct {
	name string
	code *Code
}

func (d *Descriptor) levels() []level {
	if d == nil {
		return nil
	}
	all := []level{
		{"Goal", d.Goal},
		{"Target", d.Target},
		{"Indicator", d.Indicator},
		{"Series", d.Series},
	}
	out := all[:0]
	for _, l := range all {
		if l.code == nil || strings.TrimSpace(l.code.Code) == "" && strings.TrimSpace(l.code.Description) == "" {
			continue
		}
		out = append(out, l)
	}
	return out
}

// Empty reports whether there is nothing to attach.
func (d *Descriptor) Empty() bool { return len(d.levels()) == 0 }

// Tags returns "SDG" followed by one "<Level> <code>" tag per present level.
func (d *Descriptor) Tags() []string {
	levels := d.levels()
	if len(levels) == 0 {
		return nil
	}
	tags := make([]string, 0, len(levels)+1)
	tags = append(tags, "SDG")
	for _, l := range levels {
		if c := strings.TrimSpace(l.code.Code); c != "" {
			tags = append(tags, l.name+" "+c)
		}
	}
	return tags
}

// Description renders one "<Level> <code>: <text>" line per present level.
// Markup in the description text is reduced to its text content.
func (d *Descriptor) Description() string {
	var lines []string
	for _, l := range d.levels() {
		var b strings.Builder
		b.WriteString(l.name)
		if c := strings.TrimSpace(l.code.Code); c != "" {
			b.WriteString(" ")
			b.WriteString(c)
		}
		if txt := PlainText(l.code.Description); txt != "" {
			b.WriteString(": ")
			b.WriteString(txt)
		}
		lines = append(lines, b.String())
	}
	return strings.Join(lines, "\n")
}

// Snippet is the first non-empty description, used as the item summary.
func (d *Descriptor) Snippet() string {
	for _, l := range d.levels() {
		if txt := PlainText(l.code.Description); txt != "" {
			return txt
		}
	}
	return ""
}

// PlainText strips HTML markup and collapses whitespace. Labels coming from
// SDMX registries occasionally carry inline tags.
func PlainText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.ContainsRune(s, '<') {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
		if err == nil {
			s = doc.Text()
		}
	}
	return strings.Join(strings.Fields(s), " ")
}
