package timeparsing

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// nlpParser is configured once; when.Parser is safe for concurrent use.
var nlpParser = newNLPParser()

func newNLPParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// ParseNaturalLanguage parses expressions like "yesterday", "last
// monday", or "3 days ago" relative to now.
func ParseNaturalLanguage(s string, now time.Time) (time.Time, error) {
	r, err := nlpParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time expression: %q", s)
	}
	return r.Time, nil
}
