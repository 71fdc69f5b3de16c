package worker

import (
	"fmt"
	"html"
	"strings"

	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/bookmarks"
)

// synthesizePostHTML renders a normalized social post as a minimal HTML
// document so the shared metadata rule chain and the stored reading view work
// uniformly across the enhanced and generic paths.
func synthesizePostHTML(post *bookmarks.NormalizedSocialPost) string {
	var b strings.Builder
	b.WriteString("<!doctype html>\n<html>\n<head>\n")

	title := postTitle(post)
	fmt.Fprintf(&b, "<title>%s</title>\n", html.EscapeString(title))
	writeMeta(&b, "og:title", title)
	if post.Text != "" {
		writeMeta(&b, "og:description", post.Text)
	}
	if post.URL != "" {
		writeMeta(&b, "og:url", post.URL)
	}
	b.WriteString("</head>\n<body>\n<article>\n")

	writePostFragment(&b, post)
	for i := range post.Thread {
		b.WriteString("<section>\n")
		writePostFragment(&b, &post.Thread[i])
		b.WriteString("</section>\n")
	}
	if post.QuotedPost != nil {
		b.WriteString("<blockquote>\n")
		writePostFragment(&b, post.QuotedPost)
		b.WriteString("</blockquote>\n")
	}

	b.WriteString("</article>\n</body>\n</html>\n")
	return b.String()
}

func writeMeta(b *strings.Builder, property, content string) {
	fmt.Fprintf(b, "<meta property=\"%s\" content=\"%s\">\n",
		html.EscapeString(property), html.EscapeString(content))
}

func writePostFragment(b *strings.Builder, post *bookmarks.NormalizedSocialPost) {
	if author := postTitle(post); author != "" {
		fmt.Fprintf(b, "<h2>%s</h2>\n", html.EscapeString(author))
	}
	if post.Text != "" {
		fmt.Fprintf(b, "<p>%s</p>\n", html.EscapeString(post.Text))
	}
	for _, medium := range post.Media {
		switch medium.Kind {
		case bookmarks.MediaImage, bookmarks.MediaGIF:
			fmt.Fprintf(b, "<img src=\"%s\" alt=\"\">\n", html.EscapeString(medium.URL))
		case bookmarks.MediaVideo:
			if medium.ThumbnailURL != "" {
				fmt.Fprintf(b, "<video src=\"%s\" poster=\"%s\"></video>\n",
					html.EscapeString(medium.URL), html.EscapeString(medium.ThumbnailURL))
			} else {
				fmt.Fprintf(b, "<video src=\"%s\"></video>\n", html.EscapeString(medium.URL))
			}
		}
	}
}

func postTitle(post *bookmarks.NormalizedSocialPost) string {
	switch {
	case post.Author.Name != "" && post.Author.Username != "":
		return fmt.Sprintf("%s (@%s)", post.Author.Name, post.Author.Username)
	case post.Author.Username != "":
		return "@" + post.Author.Username
	case post.Author.Name != "":
		return post.Author.Name
	default:
		return "Post"
	}
}
