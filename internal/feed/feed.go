// Package feed turns subscription RSS feeds into releases ready for submission.
package feed

import (
	"context"
	"crypto/sha1" //nolint:gosec // cache key, not a security boundary
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"

	"github.com/anireap/anireap/internal/download"
	"github.com/anireap/anireap/internal/fileutil"
	"github.com/anireap/anireap/internal/naming"
	"github.com/anireap/anireap/internal/subscription"
)

const defaultTimeout = 30 * time.Second

//nolint:gochecknoglobals // compiled patterns
var (
	episodePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bS\d+E(\d+(?:\.5)?)`),
		regexp.MustCompile(`第\s*(\d+(?:\.5)?)\s*[话話集]`),
		regexp.MustCompile(`\[(\d+(?:\.5)?)(?:v\d)?(?:END)?\]`),
		regexp.MustCompile(`\s-\s(\d+(?:\.5)?)(?:v\d)?(?:\s|\[|\(|$)`),
		regexp.MustCompile(`(?i)\bEP?(\d+(?:\.5)?)\b`),
	}
	subgroupPattern = regexp.MustCompile(`^\s*[\[【]([^\]】]+)[\]】]`)
)

// RSS fetches release feeds over HTTP and caches the torrent payloads on disk.
type RSS struct {
	torrentDir string
	template   string
	client     *http.Client
	fs         afero.Fs
	logger     zerolog.Logger
}

// Option is a functional option for configuring the feed.
type Option func(*RSS)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *RSS) {
		r.logger = logger
	}
}

// WithFs sets the filesystem holding cached torrent payloads.
func WithFs(fs afero.Fs) Option {
	return func(r *RSS) {
		r.fs = fs
	}
}

// WithHTTPClient sets the HTTP client used for feeds and payloads.
func WithHTTPClient(c *http.Client) Option {
	return func(r *RSS) {
		r.client = c
	}
}

// WithTemplate sets the canonical name template.
func WithTemplate(template string) Option {
	return func(r *RSS) {
		r.template = template
	}
}

// NewRSS creates a feed caching payloads under torrentDir.
func NewRSS(torrentDir string, opts ...Option) *RSS {
	r := &RSS{
		torrentDir: torrentDir,
		template:   naming.DefaultTemplate,
		client:     &http.Client{Timeout: defaultTimeout},
		fs:         afero.NewOsFs(),
		logger:     zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

type rssDocument struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title     string       `xml:"title"`
	Link      string       `xml:"link"`
	Enclosure rssEnclosure `xml:"enclosure"`
}

type rssEnclosure struct {
	URL  string `xml:"url,attr"`
	Type string `xml:"type,attr"`
}

// FetchItems downloads the feed of sub and returns its releases ordered by
// episode. The first release of each episode is the master; later ones are
// backups. Items without a recognizable episode number are skipped unless sub
// is an OVA.
func (r *RSS) FetchItems(ctx context.Context, sub subscription.Subscription) ([]download.Release, error) {
	logger := r.logger.With().Str("subscription", sub.DisplayName()).Logger()

	body, err := r.get(ctx, sub.URL)
	if err != nil {
		return nil, fmt.Errorf("fetching feed: %w", err)
	}

	var doc rssDocument
	if err = xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}

	seen := make(map[float64]bool)
	var releases []download.Release
	for _, item := range doc.Channel.Items {
		title := norm.NFKC.String(strings.TrimSpace(item.Title))

		ep, ok := Episode(title)
		if !ok && !sub.OVA {
			logger.Debug().Str("title", title).Msg("no episode number, skipping")
			continue
		}
		if sub.OVA {
			ep = 1
		}

		link := item.Enclosure.URL
		if link == "" {
			link = item.Link
		}
		if link == "" {
			continue
		}

		name := naming.Format(r.template, sub.Title, sub.Season, ep)
		if sub.OVA {
			name = naming.SanitizeFilename(sub.Title)
		}

		payload, err := r.payload(ctx, sub, link)
		if err != nil {
			logger.Warn().Err(err).Str("title", title).Msg("failed to fetch torrent payload")
			continue
		}

		releases = append(releases, download.Release{
			Name:        name,
			Subgroup:    Subgroup(title),
			Master:      !seen[ep],
			Episode:     ep,
			TorrentFile: payload,
		})
		seen[ep] = true
	}

	slices.SortStableFunc(releases, func(a, b download.Release) int {
		switch {
		case a.Episode < b.Episode:
			return -1
		case a.Episode > b.Episode:
			return 1
		}
		return 0
	})

	logger.Debug().Int("items", len(doc.Channel.Items)).Int("releases", len(releases)).Msg("feed fetched")
	return releases, nil
}

// CurrentEpisodeNumber returns the highest whole episode among releases.
func (r *RSS) CurrentEpisodeNumber(_ subscription.Subscription, releases []download.Release) int {
	n := 0
	for _, rel := range releases {
		n = max(n, int(rel.Episode))
	}
	return n
}

// Episode extracts the episode number from a release title.
func Episode(title string) (float64, bool) {
	for _, p := range episodePatterns {
		m := p.FindStringSubmatch(title)
		if m == nil {
			continue
		}
		ep, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			return ep, true
		}
	}
	return 0, false
}

// Subgroup returns the bracketed release group at the start of title.
func Subgroup(title string) string {
	if m := subgroupPattern.FindStringSubmatch(title); m != nil {
		return strings.TrimSpace(m[1])
	}
	return download.DefaultSubgroup
}

// payload stores the torrent behind link and returns its path. Magnet links
// are stored as .txt files holding the URL. Cached payloads are reused.
func (r *RSS) payload(ctx context.Context, sub subscription.Subscription, link string) (string, error) {
	sum := sha1.Sum([]byte(link)) //nolint:gosec // cache key
	dir := filepath.Join(r.torrentDir, sub.ID)

	if strings.HasPrefix(link, "magnet:") {
		file := filepath.Join(dir, hex.EncodeToString(sum[:])+".txt")
		return file, fileutil.WriteFile(r.fs, file, []byte(link))
	}

	file := filepath.Join(dir, hex.EncodeToString(sum[:])+".torrent")
	if ok, _ := afero.Exists(r.fs, file); ok {
		return file, nil
	}

	data, err := r.get(ctx, link)
	if err != nil {
		return "", err
	}
	return file, fileutil.WriteFile(r.fs, file, data)
}

func (r *RSS) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
