package xscraper

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/bookmarks"
)

// The upstream actor has shipped several incompatible response shapes over
// time. Each logical field resolves through an ordered alias list: the first
// path that yields a non-empty value wins. Keeping the lists data-driven
// makes them testable and extensible apart from control flow.
var (
	idPaths = []string{
		"id_str", "id", "rest_id", "tweet_id",
		"tweet.id_str", "tweet.id", "legacy.id_str",
	}
	textPaths = []string{
		"full_text", "fullText", "text", "tweet_text",
		"legacy.full_text", "tweet.full_text", "note_tweet.text",
	}
	urlPaths = []string{
		"url", "twitterUrl", "tweet_url", "permalink",
	}
	createdAtPaths = []string{
		"createdAt", "created_at", "legacy.created_at", "timestamp",
	}
	usernamePaths = []string{
		"author.userName", "author.username", "author.screen_name",
		"user.screen_name", "user.username", "user.userName",
		"core.user_results.result.legacy.screen_name",
	}
	authorNamePaths = []string{
		"author.name", "user.name",
		"core.user_results.result.legacy.name",
	}
	avatarPaths = []string{
		"author.profilePicture", "author.profile_image_url_https",
		"user.profile_image_url_https", "user.profilePicture",
		"core.user_results.result.legacy.profile_image_url_https",
	}
	verifiedPaths = []string{
		"author.isVerified", "author.isBlueVerified", "author.verified",
		"user.verified", "user.is_blue_verified",
	}
	followerPaths = []string{
		"author.followers", "author.followers_count",
		"user.followers_count", "user.followersCount",
		"core.user_results.result.legacy.followers_count",
	}
	likePaths = []string{
		"likeCount", "favorite_count", "favouriteCount", "legacy.favorite_count",
	}
	sharePaths = []string{
		"retweetCount", "retweet_count", "legacy.retweet_count",
	}
	replyPaths = []string{
		"replyCount", "reply_count", "legacy.reply_count",
	}
	viewPaths = []string{
		"viewCount", "views_count", "views.count", "view_count",
	}
	quotedPaths = []string{
		"quotedPost", "quoted_tweet", "quoted_status",
		"quoted_status_result.result", "retweeted_status", "retweeted_tweet",
	}
	threadPaths = []string{
		"thread", "replies", "conversation",
	}
)

var createdAtFormats = []string{
	time.RubyDate,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// maxThreadDepth bounds recursive normalization of quoted/threaded posts.
// The upstream service is assumed to emit acyclic, finite-depth data, but it
// is a third party, not a trusted contract.
const maxThreadDepth = 8

var (
	hashtagRe = regexp.MustCompile(`#([\p{L}\p{N}_]+)`)
	mentionRe = regexp.MustCompile(`@([A-Za-z0-9_]+)`)
)

// Normalize converts a raw dataset payload (a JSON array of items) into
// canonical posts. Items lacking both a stable id and non-empty text are
// dropped rather than raised as errors, so one bad item cannot fail a batch.
func Normalize(raw []byte) []bookmarks.NormalizedSocialPost {
	parsed := gjson.ParseBytes(raw)
	var items []gjson.Result
	if parsed.IsArray() {
		items = parsed.Array()
	} else if parsed.IsObject() {
		items = []gjson.Result{parsed}
	}

	posts := make([]bookmarks.NormalizedSocialPost, 0, len(items))
	for _, item := range items {
		if post := normalizeItem(item, 0); post != nil {
			posts = append(posts, *post)
		}
	}
	return posts
}

func normalizeItem(item gjson.Result, depth int) *bookmarks.NormalizedSocialPost {
	if depth > maxThreadDepth || !item.IsObject() {
		return nil
	}

	id := firstString(item, idPaths)
	text := firstString(item, textPaths)
	if id == "" && text == "" {
		return nil
	}

	post := &bookmarks.NormalizedSocialPost{
		ID:   id,
		Text: text,
		URL:  firstString(item, urlPaths),
		Author: bookmarks.SocialAuthor{
			Username:      firstString(item, usernamePaths),
			Name:          firstString(item, authorNamePaths),
			AvatarURL:     firstString(item, avatarPaths),
			Verified:      firstBool(item, verifiedPaths),
			FollowerCount: firstInt(item, followerPaths),
		},
		Metrics: bookmarks.SocialMetrics{
			Likes:   firstInt(item, likePaths),
			Shares:  firstInt(item, sharePaths),
			Replies: firstInt(item, replyPaths),
			Views:   firstInt(item, viewPaths),
		},
		Media:     collectMedia(item),
		CreatedAt: firstTime(item, createdAtPaths),
	}
	post.Hashtags = collectEntities(item, text, "entities.hashtags", "hashtags", "text", hashtagRe)
	post.Mentions = collectEntities(item, text, "entities.user_mentions", "mentions", "screen_name", mentionRe)

	if post.URL == "" && post.Author.Username != "" && post.ID != "" {
		post.URL = fmt.Sprintf("https://x.com/%s/status/%s", post.Author.Username, post.ID)
	}

	for _, path := range quotedPaths {
		if quoted := item.Get(path); quoted.IsObject() {
			if q := normalizeItem(quoted, depth+1); q != nil {
				post.QuotedPost = q
				break
			}
		}
	}

	for _, path := range threadPaths {
		entries := item.Get(path)
		if !entries.IsArray() {
			continue
		}
		for _, entry := range entries.Array() {
			if t := normalizeItem(entry, depth+1); t != nil {
				post.Thread = append(post.Thread, *t)
			}
		}
		if len(post.Thread) > 0 {
			break
		}
	}

	return post
}

func firstString(item gjson.Result, paths []string) string {
	for _, path := range paths {
		v := item.Get(path)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if s := strings.TrimSpace(v.String()); s != "" {
			return s
		}
	}
	return ""
}

func firstInt(item gjson.Result, paths []string) int64 {
	for _, path := range paths {
		v := item.Get(path)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		return v.Int()
	}
	return 0
}

func firstBool(item gjson.Result, paths []string) bool {
	for _, path := range paths {
		v := item.Get(path)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		return v.Bool()
	}
	return false
}

func firstTime(item gjson.Result, paths []string) *time.Time {
	raw := firstString(item, paths)
	if raw == "" {
		return nil
	}
	for _, format := range createdAtFormats {
		if t, err := time.Parse(format, raw); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

// collectMedia reconciles the three historical media representations (flat
// photo/video URL lists, a unified media array, and the legacy nested
// extended-entities structure) into one shape. When the same item appears in
// more than one representation, the richer metadata wins.
func collectMedia(item gjson.Result) []bookmarks.SocialMedia {
	acc := newMediaAccumulator()

	for _, photo := range item.Get("photos").Array() {
		acc.add(mediaFromFlat(photo, bookmarks.MediaImage))
	}
	for _, video := range item.Get("videos").Array() {
		acc.add(mediaFromFlat(video, bookmarks.MediaVideo))
	}
	for _, m := range item.Get("media").Array() {
		acc.add(mediaFromUnified(m))
	}
	for _, m := range item.Get("extended_entities.media").Array() {
		acc.add(mediaFromLegacy(m))
	}

	return acc.list()
}

type mediaAccumulator struct {
	byURL map[string]int
	media []bookmarks.SocialMedia
}

func newMediaAccumulator() *mediaAccumulator {
	return &mediaAccumulator{byURL: make(map[string]int)}
}

func (a *mediaAccumulator) add(m bookmarks.SocialMedia) {
	if m.URL == "" {
		return
	}
	idx, seen := a.byURL[m.URL]
	if !seen {
		a.byURL[m.URL] = len(a.media)
		a.media = append(a.media, m)
		return
	}
	existing := &a.media[idx]
	if richness(m) > richness(*existing) {
		kept := *existing
		*existing = m
		fillMissing(existing, kept)
		return
	}
	fillMissing(existing, m)
}

func (a *mediaAccumulator) list() []bookmarks.SocialMedia { return a.media }

func richness(m bookmarks.SocialMedia) int {
	score := 0
	if m.ThumbnailURL != "" {
		score++
	}
	if m.Width > 0 {
		score++
	}
	if m.Height > 0 {
		score++
	}
	if m.DurationSec > 0 {
		score++
	}
	return score
}

func fillMissing(dst *bookmarks.SocialMedia, src bookmarks.SocialMedia) {
	if dst.ThumbnailURL == "" {
		dst.ThumbnailURL = src.ThumbnailURL
	}
	if dst.Width == 0 {
		dst.Width = src.Width
	}
	if dst.Height == 0 {
		dst.Height = src.Height
	}
	if dst.DurationSec == 0 {
		dst.DurationSec = src.DurationSec
	}
}

// mediaFromFlat handles the flat photo/video lists: either bare URL strings
// or small objects.
func mediaFromFlat(v gjson.Result, kind bookmarks.MediaKind) bookmarks.SocialMedia {
	if v.Type == gjson.String {
		return bookmarks.SocialMedia{Kind: kind, URL: v.String()}
	}
	return bookmarks.SocialMedia{
		Kind:         kind,
		URL:          firstString(v, []string{"url", "media_url_https", "media_url"}),
		ThumbnailURL: firstString(v, []string{"preview_image_url", "thumbnail", "preview"}),
		Width:        v.Get("width").Int(),
		Height:       v.Get("height").Int(),
		DurationSec:  v.Get("duration").Float(),
	}
}

// mediaFromUnified handles the unified media array.
func mediaFromUnified(v gjson.Result) bookmarks.SocialMedia {
	m := bookmarks.SocialMedia{
		Kind:         mediaKind(firstString(v, []string{"type", "kind"})),
		URL:          firstString(v, []string{"url", "media_url_https", "media_url"}),
		ThumbnailURL: firstString(v, []string{"thumbnailUrl", "preview_image_url", "thumbnail"}),
		Width:        v.Get("width").Int(),
		Height:       v.Get("height").Int(),
		DurationSec:  v.Get("duration_sec").Float(),
	}
	if m.DurationSec == 0 {
		m.DurationSec = float64(v.Get("duration_ms").Int()) / 1000
	}
	return m
}

// mediaFromLegacy handles extended_entities.media. Video URLs live in the
// variant list; the top-level media URL is the poster frame.
func mediaFromLegacy(v gjson.Result) bookmarks.SocialMedia {
	kind := mediaKind(v.Get("type").String())
	m := bookmarks.SocialMedia{
		Kind:   kind,
		URL:    firstString(v, []string{"media_url_https", "media_url"}),
		Width:  v.Get("sizes.large.w").Int(),
		Height: v.Get("sizes.large.h").Int(),
	}
	if kind == bookmarks.MediaVideo || kind == bookmarks.MediaGIF {
		m.ThumbnailURL = m.URL
		m.DurationSec = float64(v.Get("video_info.duration_millis").Int()) / 1000
		if variant := bestVariant(v.Get("video_info.variants")); variant != "" {
			m.URL = variant
		}
	}
	return m
}

// bestVariant picks the highest-bitrate mp4 variant.
func bestVariant(variants gjson.Result) string {
	var best string
	var bestRate int64 = -1
	for _, v := range variants.Array() {
		u := v.Get("url").String()
		if u == "" {
			continue
		}
		rate := v.Get("bitrate").Int()
		if rate > bestRate {
			best = u
			bestRate = rate
		}
	}
	return best
}

func mediaKind(raw string) bookmarks.MediaKind {
	switch strings.ToLower(raw) {
	case "video":
		return bookmarks.MediaVideo
	case "animated_gif", "gif":
		return bookmarks.MediaGIF
	default:
		return bookmarks.MediaImage
	}
}

// collectEntities gathers hashtags or mentions, preferring structured entity
// lists and complementing them with regex extraction from the raw text when
// structured data is absent or incomplete. Results are deduplicated,
// preserving first-seen order.
func collectEntities(item gjson.Result, text, entityPath, flatPath, field string, re *regexp.Regexp) []string {
	var out []string
	seen := make(map[string]bool)
	push := func(s string) {
		s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "#"), "@")
		if s == "" {
			return
		}
		key := strings.ToLower(s)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, s)
	}

	for _, e := range item.Get(entityPath).Array() {
		if e.Type == gjson.String {
			push(e.String())
			continue
		}
		push(e.Get(field).String())
	}
	for _, e := range item.Get(flatPath).Array() {
		if e.Type == gjson.String {
			push(e.String())
			continue
		}
		push(e.Get(field).String())
	}
	for _, match := range re.FindAllStringSubmatch(text, -1) {
		push(match[1])
	}
	return out
}
