package nostr

import (
	"net/url"
	"strings"

	"nostr-cachesync/internal/util"
)

// NormalizeServerURL returns the canonical form of a ws/wss server URL:
// lowercase scheme and host, no trailing slash. Malformed URLs, other
// schemes and private hosts yield "".
func NormalizeServerURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.Count(raw, "://") != 1 {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case host == "", strings.ContainsRune(host, ' '):
		return ""
	case !strings.Contains(host, ".") && !util.IsLoopbackHost(host):
		return ""
	case util.IsInternalHost(host):
		return ""
	}

	var b strings.Builder
	b.WriteString(scheme + "://" + host)
	if port := u.Port(); port != "" {
		b.WriteString(":" + port)
	}
	b.WriteString(strings.TrimRight(u.Path, "/"))
	if u.RawQuery != "" {
		b.WriteString("?" + u.RawQuery)
	}
	return b.String()
}
