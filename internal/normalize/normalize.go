// Package normalize turns free-form answer text into a sectioned layout
// before it is shown. It is a cosmetic, best-effort layer: text that is
// already sectioned, short, apologetic, or too thin to restructure is
// passed through.
//
// Rules are applied in this order:
//
//  1. non-string input is coerced and returned as is
//  2. text carrying a section marker is returned unchanged
//  3. runs of three or more newlines collapse to one blank line; trim
//  4. error-like or short (< MinLength runes) text is returned cleaned
//  5. text without enough paragraphs or sentences is returned cleaned
//  6. otherwise the six-section layout is built, unless that would be
//     shorter than the cleaned text
package normalize

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MinLength is the shortest text (in runes) that gets restructured.
	MinLength = 100

	minParagraphLength = 20
	minSentenceLength  = 15
	minSentences       = 3
	maxKeyPoints       = 4
)

// Markers are the glyphs the backend puts at the head of each section it
// produced itself.
var Markers = []string{"🔍", "📖", "🔸", "📋", "💡", "🎯", "🔹"}

var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)couldn't find any relevant information`),
	regexp.MustCompile(`(?i)no relevant information`),
	regexp.MustCompile(`(?i)unable to find`),
	regexp.MustCompile(`(?i)no information found`),
	regexp.MustCompile(`(?i)please try rephrasing`),
	regexp.MustCompile(`(?i)upload more.*documents`),
	regexp.MustCompile(`(?i)no documents found`),
	regexp.MustCompile(`(?i)empty response`),
	regexp.MustCompile(`(?i)failed to get response`),
}

var (
	excessNewlines   = regexp.MustCompile(`\n{3,}`)
	sentenceBoundary = regexp.MustCompile(`[.!?]+`)
	leadingBullet    = regexp.MustCompile(`^•?\s*`)
)

const (
	header          = "🔍 Comprehensive Answer and Information\n\nBased on our previous discussion about the topic, here is a comprehensive answer and information."
	definitionTitle = "📖 Definition & Purpose\n\n"
	categories      = "🔸 Key Categories\n\nThe response covers several important categories including core concepts, methodologies, and practical applications."
	keyPointsTitle  = "📋 Key Points\n\n"
	examples        = "💡 Examples\n\nPractical examples and real-world applications demonstrate these concepts in action."
	conclusion      = "🔹 Conclusion\n\nThis information provides a solid foundation for understanding and working with the topic."
)

var defaultKeyPoints = []string{
	"• Core concepts and principles are essential for understanding",
	"• Practical applications demonstrate real-world relevance",
	"• Methodological approaches provide systematic frameworks",
}

// Normalize returns the presentable form of raw.
func Normalize(raw any) string {
	text, ok := asString(raw)
	if !ok {
		return coerce(raw)
	}
	if text == "" {
		return ""
	}

	if HasMarker(text) {
		return text
	}

	clean := Clean(text)

	if IsErrorLike(clean) || utf8.RuneCountInString(clean) < MinLength {
		return clean
	}

	paragraphs := Paragraphs(clean)
	sentences := Sentences(clean)
	if len(sentences) < minSentences && len(paragraphs) == 0 {
		return clean
	}

	structured := structure(paragraphs, sentences)
	if utf8.RuneCountInString(structured) < utf8.RuneCountInString(clean) {
		return clean
	}
	return structured
}

// HasMarker reports whether text already carries backend sectioning.
func HasMarker(text string) bool {
	for _, m := range Markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// Clean collapses runs of blank lines and trims surrounding whitespace.
func Clean(text string) string {
	return strings.TrimSpace(excessNewlines.ReplaceAllString(text, "\n\n"))
}

// IsErrorLike reports whether text reads like a "nothing found" or
// failure answer.
func IsErrorLike(text string) bool {
	for _, p := range errorPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// Paragraphs splits on blank lines and keeps pieces longer than 20 runes.
// Kept pieces are not trimmed.
func Paragraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if utf8.RuneCountInString(strings.TrimSpace(p)) > minParagraphLength {
			out = append(out, p)
		}
	}
	return out
}

// Sentences splits on runs of sentence punctuation and keeps pieces
// longer than 15 runes. Kept pieces are not trimmed.
func Sentences(text string) []string {
	var out []string
	for _, s := range sentenceBoundary.Split(text, -1) {
		if utf8.RuneCountInString(strings.TrimSpace(s)) > minSentenceLength {
			out = append(out, s)
		}
	}
	return out
}

func structure(paragraphs, sentences []string) string {
	var definition string
	switch {
	case len(paragraphs) > 0:
		definition = paragraphs[0]
	default:
		definition = strings.TrimSpace(strings.Join(sentences[:min(2, len(sentences))], ". ")) + "."
	}

	points := defaultKeyPoints
	if len(sentences) > 2 {
		n := min(len(sentences)-2, maxKeyPoints)
		points = make([]string, 0, n)
		for _, s := range sentences[2 : 2+n] {
			p := leadingBullet.ReplaceAllString(strings.TrimSpace(s), "")
			if !strings.HasSuffix(strings.TrimSpace(s), ".") {
				p += "."
			}
			points = append(points, "• "+p)
		}
	}

	return strings.Join([]string{
		header,
		definitionTitle + definition,
		categories,
		keyPointsTitle + strings.Join(points, "\n"),
		examples,
		conclusion,
	}, "\n\n")
}

func asString(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	case fmt.Stringer:
		if isNil(v) {
			return "", false
		}
		return v.String(), true
	}
	return "", false
}

// coerce renders non-string values: composites as compact JSON, scalars
// through fmt.
func coerce(raw any) string {
	if raw == nil || isNil(raw) {
		return ""
	}
	switch reflect.Indirect(reflect.ValueOf(raw)).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		b, err := json.Marshal(raw)
		if err != nil {
			return fmt.Sprint(raw)
		}
		return string(b)
	}
	return fmt.Sprint(raw)
}

func isNil(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
