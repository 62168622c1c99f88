package consensus

import (
	"net/url"
	"strings"
)

const (
	ReliabilityGovernment  = 0.95
	ReliabilityAcademic    = 0.90
	ReliabilityMajorNews   = 0.85
	ReliabilityCorporate   = 0.70
	ReliabilityDefault     = 0.60
	ReliabilityBlog        = 0.50
	ReliabilityUnparseable = 0.50
)

var majorNewsDomains = []string{
	"reuters.com",
	"apnews.com",
	"bbc.co.uk",
	"bbc.com",
	"nytimes.com",
	"washingtonpost.com",
	"theguardian.com",
	"ft.com",
	"wsj.com",
	"bloomberg.com",
	"economist.com",
	"npr.org",
	"nhk.or.jp",
	"nikkei.com",
	"asahi.com",
	"yomiuri.co.jp",
	"mainichi.jp",
}

// blogPlatforms only lists hosts the corporate rule lets through. Plain .com
// platforms such as medium.com score as corporate because that rule comes
// first.
var blogPlatforms = []string{
	"blogspot.com",
	"hatenablog.com",
	"qiita.com",
	"zenn.dev",
	"ameblo.jp",
	"livedoor.blog",
	"dev.to",
}

// ScoreURL maps a source URL to a trust score in [0,1]. Rules are checked in
// order and the first match wins.
func ScoreURL(rawURL string) float64 {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Hostname() == "" {
		return ReliabilityUnparseable
	}
	host := strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")

	switch {
	case isGovernment(host):
		return ReliabilityGovernment
	case isAcademic(host):
		return ReliabilityAcademic
	case matchesDomain(host, majorNewsDomains):
		return ReliabilityMajorNews
	case (strings.HasSuffix(host, ".com") || strings.HasSuffix(host, ".co.jp")) && !strings.Contains(host, "blog"):
		return ReliabilityCorporate
	case matchesDomain(host, blogPlatforms) || strings.Contains(host, "blog"):
		return ReliabilityBlog
	default:
		return ReliabilityDefault
	}
}

func isGovernment(host string) bool {
	return strings.HasSuffix(host, ".gov") ||
		strings.HasSuffix(host, ".go.jp") ||
		strings.Contains(host, ".gov.") ||
		strings.HasPrefix(host, "gov.") ||
		strings.HasSuffix(host, ".mil")
}

func isAcademic(host string) bool {
	return strings.HasSuffix(host, ".edu") ||
		strings.HasSuffix(host, ".ac.jp") ||
		strings.Contains(host, ".edu.") ||
		strings.Contains(host, ".ac.")
}

func matchesDomain(host string, domains []string) bool {
	for _, domain := range domains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
