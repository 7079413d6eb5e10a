package capture

import (
	"fmt"
	"net/url"
	"strings"
)

const maxURLLength = 2048

// ValidateURL checks a stream or tune URL template before a device is built:
//   - max length 2048 characters
//   - scheme must be http or https
//   - a hostname is required
//
// Tuners live on the local network, so private addresses are allowed.
func ValidateURL(template string) error {
	if len(template) > maxURLLength {
		return fmt.Errorf("URL too long (%d chars, max %d)", len(template), maxURLLength)
	}

	u, err := url.Parse(strings.ReplaceAll(template, channelToken, "0"))
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q: only http and https are allowed", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("URL has no hostname")
	}
	return nil
}
