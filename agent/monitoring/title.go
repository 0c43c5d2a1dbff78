package monitoring

import (
	"strings"
)

var browsers = []string{"chrome", "firefox", "msedge", "opera", "brave"}

// NormalizeTitle shortens browser titles to "page - host" when the title
// carries a URL, and leaves every other title untouched.
func NormalizeTitle(processName, title string) string {
	proc := strings.ToLower(processName)
	for _, b := range browsers {
		if strings.Contains(proc, b) {
			return browserTitle(title)
		}
	}
	return title
}

func browserTitle(title string) string {
	parts := strings.Split(title, " - ")
	if len(parts) < 2 {
		return title
	}
	page := strings.TrimSpace(parts[0])

	for i := len(parts) - 1; i >= 1; i-- {
		part := strings.TrimSpace(parts[i])
		if isBrowserName(part) {
			continue
		}
		if host, ok := hostOf(part); ok {
			return page + " - " + host
		}
	}
	return title
}

func isBrowserName(s string) bool {
	for _, name := range []string{"Chrome", "Firefox", "Edge", "Mozilla", "Opera", "Brave"} {
		if strings.Contains(s, name) {
			return true
		}
	}
	return false
}

func hostOf(s string) (string, bool) {
	if strings.Contains(s, " ") || !strings.Contains(s, ".") {
		return "", false
	}
	if _, rest, ok := strings.Cut(s, "://"); ok {
		s = rest
	}
	s, _, _ = strings.Cut(s, "/")
	s, _, _ = strings.Cut(s, "?")
	if s == "" || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return "", false
	}
	return s, true
}
