package dedupe

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/csm-cli/internal/model"
)

// translitFold covers characters mark-stripping cannot reach. The umlauts
// matter most: registries print Müller and Mueller interchangeably, so both
// must land on the same key, and NFD would collapse Müller to Muller.
var translitFold = strings.NewReplacer(
	"ä", "ae", "Ä", "Ae",
	"ö", "oe", "Ö", "Oe",
	"ü", "ue", "Ü", "Ue",
	"ß", "ss",
	"æ", "ae", "Æ", "Ae",
	"ø", "oe", "Ø", "Oe",
	"å", "aa", "Å", "Aa",
	"ł", "l", "Ł", "L",
	"đ", "d", "Đ", "D",
)

var markStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// asciiFold transliterates the special cases, then strips combining marks
// from the rest (é → e, ñ → n).
func asciiFold(s string) string {
	folded := translitFold.Replace(s)
	stripped, _, err := transform.String(markStripper, folded)
	if err != nil {
		return folded
	}
	return stripped
}

// foldKey is the ASCII-folded variant of the dedup key. Names are folded
// and lowercased; document id and page keep their original form.
func foldKey(c model.RawCandidate) string {
	return fmt.Sprintf("%s|%s|%s|%d",
		strings.ToLower(asciiFold(c.FirstName)),
		strings.ToLower(asciiFold(c.LastName)),
		c.DocumentID, c.Page)
}

// foldLower folds and lowercases a single name component.
func foldLower(s string) string {
	return strings.ToLower(asciiFold(s))
}

// firstInitial returns the folded lowercase initial of a first name, or ""
// when the name is empty.
func firstInitial(s string) string {
	r := []rune(foldLower(s))
	if len(r) == 0 {
		return ""
	}
	return string(r[0])
}
