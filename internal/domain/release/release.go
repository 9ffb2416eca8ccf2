// Package release parses release names: quality tier extraction for the
// fallback ladder, episode detection for manager routing, and title
// extraction for wanted-item lookups.
package release

import (
	"regexp"
	"strings"
)

// Quality is a release quality tier. Tiers are ordered; recovery downgrades
// along the ladder one step at a time.
type Quality string

const (
	// Quality2160p is 4K/UHD.
	Quality2160p Quality = "2160p"
	// Quality1080p is full HD.
	Quality1080p Quality = "1080p"
	// Quality720p is HD.
	Quality720p Quality = "720p"
	// QualityHDTV is the floor of the ladder.
	QualityHDTV Quality = "HDTV"
)

// MaxDowngrades caps how many ladder steps recovery may take for a single
// download before falling back to an alternative-release search.
const MaxDowngrades = 2

// ladder orders tiers from highest to lowest.
var ladder = []Quality{Quality2160p, Quality1080p, Quality720p, QualityHDTV}

// Quality token patterns, checked from highest tier down.
var qualityPatterns = map[Quality]*regexp.Regexp{
	Quality2160p: regexp.MustCompile(`(?i)\b(2160p|4k|uhd)\b`),
	Quality1080p: regexp.MustCompile(`(?i)\b1080p\b`),
	Quality720p:  regexp.MustCompile(`(?i)\b720p\b`),
	QualityHDTV:  regexp.MustCompile(`(?i)\b(hdtv|sdtv|480p|dvdrip)\b`),
}

// ParseQuality extracts the quality tier from a release name. The second
// return is false when no tier token is present.
func ParseQuality(name string) (Quality, bool) {
	normalized := normalize(name)
	for _, q := range ladder {
		if qualityPatterns[q].MatchString(normalized) {
			return q, true
		}
	}
	return "", false
}

// NextLower returns the tier one step down the ladder. The second return
// is false at the floor.
func (q Quality) NextLower() (Quality, bool) {
	for i, cur := range ladder {
		if cur == q {
			if i+1 < len(ladder) {
				return ladder[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// Episode and season tokens: S01E02, 1x02, Season 3.
var episodePattern = regexp.MustCompile(`(?i)\bs\d{1,2}e\d{1,3}\b|\b\d{1,2}x\d{2,3}\b|\bseason\b[ ._-]*\d{1,2}\b`)

// IsEpisode reports whether a release name looks like a TV episode or
// season pack. Names without an episode token are treated as movies.
func IsEpisode(name string) bool {
	return episodePattern.MatchString(normalize(name))
}

// Tokens that end the title portion of a release name.
var titleCut = regexp.MustCompile(`(?i)\bs\d{1,2}e\d{1,3}\b|\b\d{1,2}x\d{2,3}\b|\bseason\b[ ._-]*\d{1,2}\b|\b(19|20)\d{2}\b|\b(2160p|1080p|720p|480p|4k|uhd|hdtv|sdtv|dvdrip|web|webrip|web-dl|bluray|bdrip|x264|x265|h264|h265|hevc|proper|repack)\b`)

// SearchTitle extracts the human title from a release name for wanted-item
// matching. Scene separators become spaces and everything from the first
// episode, year, or quality token onward is dropped.
//
//	Some.Show.S01E02.1080p.WEB.x264-GRP -> "some show"
//	A.Movie.2021.2160p.BluRay.x265      -> "a movie"
func SearchTitle(name string) string {
	normalized := normalize(name)
	if loc := titleCut.FindStringIndex(normalized); loc != nil {
		normalized = normalized[:loc[0]]
	}
	return strings.Join(strings.Fields(normalized), " ")
}

// normalize lowers the name and replaces scene separators with spaces.
func normalize(name string) string {
	lower := strings.ToLower(name)
	replacer := strings.NewReplacer(".", " ", "_", " ", "-", " ", "[", " ", "]", " ", "(", " ", ")", " ")
	return replacer.Replace(lower)
}

// FoldTitle reduces a title to its comparable core: lowercase
// alphanumerics with single spaces. "The Show!" and "the.show" fold to
// the same value.
func FoldTitle(title string) string {
	lower := strings.ToLower(title)
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// TitlesMatch reports whether two titles refer to the same item after
// folding.
func TitlesMatch(a, b string) bool {
	fa, fb := FoldTitle(a), FoldTitle(b)
	return fa != "" && fa == fb
}
