package consensus_test

import (
	"testing"

	"consensus-research-pipeline/internal/consensus"

	"github.com/stretchr/testify/assert"
)

func TestScoreURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want float64
	}{
		{"us government", "https://www.cdc.gov/flu/index.html", 0.95},
		{"japanese government", "https://www.meti.go.jp/policy", 0.95},
		{"uk government", "https://www.gov.uk/guidance", 0.95},
		{"us academic", "https://cs.stanford.edu/paper.pdf", 0.90},
		{"japanese academic", "https://www.u-tokyo.ac.jp/en/", 0.90},
		{"major news", "https://www.reuters.com/technology/story", 0.85},
		{"major news subdomain", "https://edition.bbc.com/news", 0.85},
		{"corporate", "https://www.example.com/about", 0.70},
		{"japanese corporate", "https://www.toyota.co.jp/news", 0.70},
		{"blog subdomain on com", "https://engineering.blog.example.com/post", 0.50},
		{"blog platform", "https://someone.hatenablog.jp/entry", 0.50},
		{"blog platform dev", "https://dev.to/someone/post", 0.50},
		{"com platform scores as corporate", "https://medium.com/@someone/post", 0.70},
		{"other tld", "https://example.org/page", 0.60},
		{"unparsable", "://not a url", 0.50},
		{"empty", "", 0.50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, consensus.ScoreURL(tt.url))
		})
	}
}

func TestScoreURLRange(t *testing.T) {
	for _, url := range []string{"https://a.b", "ftp://files.example.net", "http://[::1]:80/", "mailto:x@y.z"} {
		score := consensus.ScoreURL(url)
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 1.0)
	}
}
