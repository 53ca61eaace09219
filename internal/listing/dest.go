package listing

import (
	"strconv"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"
)

// maxBackrefs is the number of ${RXMATCH_k} tokens recognized in
// destination templates.
const maxBackrefs = 5

// ResolveDestination expands a destination template into the final archive
// path. strftime directives are expanded first against the local time of the
// remote mtime; ${RXMATCH_1..5} tokens are then replaced with the filter
// regexp captures. The substitution is literal: a percent sign inside a
// capture is never re-expanded.
func ResolveDestination(template string, mtime int64, captures []string) string {
	path := strftime.Format(template, time.Unix(mtime, 0))
	for k := 1; k <= maxBackrefs; k++ {
		token := "${RXMATCH_" + strconv.Itoa(k) + "}"
		val := ""
		if k < len(captures) {
			val = captures[k]
		}
		path = strings.ReplaceAll(path, token, val)
	}
	return path
}
