// Package safety holds the guards applied to user-authored automation:
// a ReDoS heuristic for regex triggers and an SSRF allow-list for outbound URLs.
package safety

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
)

// MaxPatternLength is the longest regex trigger accepted.
const MaxPatternLength = 100

var (
	ErrPatternTooLong      = errors.New("regex pattern too long")
	ErrNestedQuantifier    = errors.New("regex pattern has a quantified group containing a quantifier")
	ErrQuantifiedAlternate = errors.New("regex pattern has a quantified group containing alternation")
	ErrAdjacentQuantifier  = errors.New("regex pattern has adjacent quantifiers")
	ErrInvalidPattern      = errors.New("regex pattern does not compile")

	ErrUnsupportedScheme = errors.New("url scheme not allowed")
	ErrMissingHost       = errors.New("url has no host")
	ErrBlockedHost       = errors.New("url host is blocked")
)

var (
	// (a+)+ , (\w*)* , (x{2,})+
	nestedQuantifierRe = regexp.MustCompile(`\([^)]*[*+}][^)]*\)[*+{]`)
	// (a|b)+
	quantifiedAlternationRe = regexp.MustCompile(`\([^)]*\|[^)]*\)[*+{]`)
	// (a)+b+ style double quantification following a quantified group
	groupThenQuantifierRe = regexp.MustCompile(`\)[*+][^*+?{]*[*+]`)
	// a++ , a*+ , a+*
	stackedQuantifierRe = regexp.MustCompile(`[^\\][*+][*+]`)
)

// CheckRegex rejects patterns that look prone to catastrophic backtracking.
// It is a heuristic, not a static analysis.
func CheckRegex(pattern string) error {
	if len(pattern) > MaxPatternLength {
		return fmt.Errorf("%w: %d > %d", ErrPatternTooLong, len(pattern), MaxPatternLength)
	}
	shape := collapseClasses(pattern)
	switch {
	case nestedQuantifierRe.MatchString(shape):
		return ErrNestedQuantifier
	case quantifiedAlternationRe.MatchString(shape):
		return ErrQuantifiedAlternate
	case groupThenQuantifierRe.MatchString(shape), stackedQuantifierRe.MatchString(shape):
		return ErrAdjacentQuantifier
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return nil
}

// collapseClasses replaces every bracket expression with a single literal so the
// quantifier heuristics only see operators. An unterminated class is kept as is.
func collapseClasses(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c == '\\' && i+1 < len(pattern) {
			b.WriteByte(c)
			b.WriteByte(pattern[i+1])
			i++
			continue
		}
		if c != '[' {
			b.WriteByte(c)
			continue
		}
		end := classEnd(pattern, i)
		if end < 0 {
			b.WriteString(pattern[i:])
			break
		}
		b.WriteByte('x')
		i = end
	}
	return b.String()
}

// classEnd returns the index of the ']' closing the class opened at start, or -1.
func classEnd(pattern string, start int) int {
	j := start + 1
	if j < len(pattern) && pattern[j] == '^' {
		j++
	}
	// A leading ']' is a literal.
	if j < len(pattern) && pattern[j] == ']' {
		j++
	}
	for ; j < len(pattern); j++ {
		switch {
		case pattern[j] == '\\':
			j++
		case strings.HasPrefix(pattern[j:], "[:"):
			if k := strings.Index(pattern[j+2:], ":]"); k >= 0 {
				j += k + 3
			}
		case pattern[j] == ']':
			return j
		}
	}
	return -1
}

var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata":                 true,
}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// CheckURL allows only http(s) URLs whose host is not local, private or a metadata endpoint.
// Hostnames are not resolved.
func CheckURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return ErrMissingHost
	}
	if blockedHostnames[host] || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: %s", ErrBlockedHost, host)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsUnspecified() || addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() {
		return fmt.Errorf("%w: %s", ErrBlockedHost, host)
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return fmt.Errorf("%w: %s", ErrBlockedHost, host)
		}
	}
	return nil
}
