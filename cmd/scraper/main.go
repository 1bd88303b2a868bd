// Command scraper downloads every V3 story file listed on the
// IF-Archive zcode index into a local directory, for offline testing
// with cmd/gametest.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const archiveRoot = "https://www.ifarchive.org"
const indexURL = archiveRoot + "/indexes/if-archive/games/zcode/"
const outputDir = "stories"

var storyFilePattern = regexp.MustCompile(`\.z3$`)

type indexedStory struct {
	name string
	url  string
}

func main() {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create output directory: %v\n", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	stories, err := fetchStoryIndex(client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to fetch story index: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Found %d V3 stories to download\n", len(stories))

	downloaded, skipped, failed := 0, 0, 0
	for i, s := range stories {
		destPath := filepath.Join(outputDir, s.name)

		if _, err := os.Stat(destPath); err == nil {
			fmt.Printf("[%d/%d] Skipping %s (already exists)\n", i+1, len(stories), s.name)
			skipped++
			continue
		}

		fmt.Printf("[%d/%d] Downloading %s... ", i+1, len(stories), s.name)
		size, err := downloadStory(client, s.url, destPath)
		if err != nil {
			fmt.Printf("FAILED: %v\n", err)
			failed++
			continue
		}

		fmt.Printf("OK (%d bytes)\n", size)
		downloaded++

		// Be nice to the archive.
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Printf("\nDone! Downloaded: %d, Skipped: %d, Failed: %d\n", downloaded, skipped, failed)
	writeManifest(stories)
}

func fetchStoryIndex(client *http.Client) ([]indexedStory, error) {
	res, err := client.Get(indexURL)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close() // nolint:errcheck

	if res.StatusCode != 200 {
		return nil, fmt.Errorf("status %d", res.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(res.Body)
	if err != nil {
		return nil, err
	}

	var stories []indexedStory
	doc.Find("dl dt").Each(func(i int, s *goquery.Selection) {
		href, exists := s.Find("a").Attr("href")
		if !exists || !storyFilePattern.MatchString(href) {
			return
		}
		stories = append(stories, indexedStory{
			name: filepath.Base(href),
			url:  archiveRoot + href,
		})
	})

	return stories, nil
}

func downloadStory(client *http.Client, url string, destPath string) (int, error) {
	res, err := client.Get(url)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close() // nolint:errcheck

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("status %d", res.StatusCode)
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, err
	}

	if err := os.WriteFile(destPath, data, 0644); err != nil {
		return 0, err
	}
	return len(data), nil
}

func writeManifest(stories []indexedStory) {
	var manifest strings.Builder
	for _, s := range stories {
		manifest.WriteString(s.name + "\n")
	}
	manifestPath := filepath.Join(outputDir, "manifest.txt")
	if err := os.WriteFile(manifestPath, []byte(manifest.String()), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write manifest: %v\n", err)
		return
	}
	fmt.Printf("Wrote manifest to %s\n", manifestPath)
}
