package chat

import (
	"regexp"
	"strings"

	"github.com/hession/mnemo/internal/stream"
)

var markdownLink = regexp.MustCompile(`\[([^\]]*)\]\((https?://[^)\s]+)\)`)

// CollectLinks merges citations with the markdown links found in content.
// Links are deduplicated by URL; the first title seen wins, and a later
// non-empty title fills an empty one.
func CollectLinks(citations []stream.Link, content string) []stream.Link {
	var links []stream.Link
	index := make(map[string]int)

	add := func(title, url string) {
		url = strings.TrimSpace(url)
		if url == "" {
			return
		}
		title = strings.TrimSpace(title)
		if i, ok := index[url]; ok {
			if links[i].Title == "" {
				links[i].Title = title
			}
			return
		}
		index[url] = len(links)
		links = append(links, stream.Link{Title: title, URL: url})
	}

	for _, c := range citations {
		add(c.Title, c.URL)
	}
	for _, m := range markdownLink.FindAllStringSubmatch(content, -1) {
		add(m[1], m[2])
	}
	return links
}
