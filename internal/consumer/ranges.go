package consumer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// maxRangeSpan caps how many channels a single numeric range may expand to.
const maxRangeSpan = 10000

// ParseChannelRanges expands a comma separated list such as "2-5, 7, 10-12"
// into channel names. Reversed bounds are swapped. Tokens with more than one
// dash, or none, are kept verbatim so "5-1-2" and "7.1" name single channels.
// Invalid tokens are skipped and reported together in the returned error.
func ParseChannelRanges(s string) ([]string, error) {
	var (
		channels []string
		errs     []error
	)
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		dash := strings.Index(tok, "-")
		if dash <= 0 || strings.Contains(tok[dash+1:], "-") {
			channels = append(channels, tok)
			continue
		}

		start, err1 := strconv.Atoi(strings.TrimSpace(tok[:dash]))
		end, err2 := strconv.Atoi(strings.TrimSpace(tok[dash+1:]))
		if err1 != nil || err2 != nil {
			errs = append(errs, fmt.Errorf("invalid channel range %q", tok))
			continue
		}
		if start > end {
			start, end = end, start
		}
		if end-start >= maxRangeSpan {
			errs = append(errs, fmt.Errorf("channel range %q spans more than %d channels", tok, maxRangeSpan))
			continue
		}
		for ch := start; ch <= end; ch++ {
			channels = append(channels, strconv.Itoa(ch))
		}
	}
	return channels, errors.Join(errs...)
}
