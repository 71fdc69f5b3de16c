package worker

import (
	"net/url"
	"strings"
)

// adHosts is a small built-in blocklist of ad and tracking domains. Matching
// is by host suffix so subdomains are covered.
var adHosts = []string{
	"doubleclick.net",
	"googlesyndication.com",
	"googletagmanager.com",
	"googletagservices.com",
	"adservice.google.com",
	"google-analytics.com",
	"amazon-adsystem.com",
	"adnxs.com",
	"criteo.com",
	"scorecardresearch.com",
	"quantserve.com",
	"taboola.com",
	"outbrain.com",
	"facebook.net",
	"hotjar.com",
}

// HostBlocker is a suffix-match ad blocker. It implements bookmarks.AdBlocker.
type HostBlocker struct {
	hosts []string
}

// NewHostBlocker builds a blocker from the built-in list plus any extra
// domains.
func NewHostBlocker(extra ...string) *HostBlocker {
	hosts := make([]string, 0, len(adHosts)+len(extra))
	hosts = append(hosts, adHosts...)
	for _, h := range extra {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	return &HostBlocker{hosts: hosts}
}

// ShouldBlock reports whether the browser should drop the request.
func (b *HostBlocker) ShouldBlock(requestURL, _ string) bool {
	u, err := url.Parse(requestURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, blocked := range b.hosts {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return true
		}
	}
	return false
}
