// Package selectstoryui is the story picker shown when no -rom flag is
// given: it scrapes the IF-Archive index of V3 story files, lets the
// user pick one, downloads it and hands the bytes to the interpreter.
package selectstoryui

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/jblount/zmach/zmachine"
)

const archiveRoot = "https://www.ifarchive.org"
const indexURL = archiveRoot + "/indexes/if-archive/games/zcode/"
const cacheDuration = 7 * 24 * time.Hour

// Only version 3 story files; that is all the interpreter runs.
var storyFilePattern = regexp.MustCompile(`\.z3$`)
var releaseDatePattern = regexp.MustCompile(`\d{2}-\w{3}-\d{4}`)

var docStyle = lipgloss.NewStyle().Margin(1, 2)

type selectStoryState int

const (
	loadingStoryList selectStoryState = iota
	choosingStory
	downloadingStory
)

type story struct {
	name        string
	releaseDate time.Time
	url         string
	description string
	ifdbEntry   string
	ifwiki      string
}

func (s story) Title() string       { return s.name }
func (s story) Description() string { return s.description }
func (s story) FilterValue() string { return s.name + s.description }

// createAppModelFunc builds the running-story model once a story file
// has been fetched; main supplies it so this package never needs to
// know about the game UI.
type createAppModelFunc func(*zmachine.ZMachine, chan<- zmachine.InputResponse, chan<- zmachine.SaveRestoreResponse, <-chan any, []byte, string) tea.Model

type selectStoryModel struct {
	state                  selectStoryState
	storyList              list.Model
	spinner                spinner.Model
	err                    error
	createApplicationModel createAppModelFunc
	selectedStoryName      string
	cacheDir               string
}

type storiesDownloadedMsg []list.Item
type downloadedStoryMsg []uint8

type errMsg struct{ error }

func (e errMsg) Error() string { return e.error.Error() }

func NewUIModel(createAppModel createAppModelFunc, cacheDir string) tea.Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return selectStoryModel{
		state:                  loadingStoryList,
		storyList:              list.New(make([]list.Item, 0), list.NewDefaultDelegate(), 0, 0),
		createApplicationModel: createAppModel,
		spinner:                s,
		cacheDir:               cacheDir,
	}
}

func (m selectStoryModel) Init() tea.Cmd {
	m.storyList.SetShowTitle(false)
	return downloadStoryList(m.cacheDir)
}

func (m selectStoryModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			if s, selected := m.storyList.SelectedItem().(story); selected {
				m.state = downloadingStory
				m.selectedStoryName = s.name
				return m, downloadStory(s, m.cacheDir)
			}
		}

	case tea.WindowSizeMsg:
		h, v := docStyle.GetFrameSize()
		m.storyList.SetSize(msg.Width-h, msg.Height-v)

	case storiesDownloadedMsg:
		m.state = choosingStory
		m.storyList.SetShowStatusBar(false)
		m.storyList.SetShowTitle(false)
		return m, m.storyList.SetItems([]list.Item(msg))

	case downloadedStoryMsg:
		outputChannel := make(chan any)
		inputChannel := make(chan zmachine.InputResponse)
		saveRestoreChannel := make(chan zmachine.SaveRestoreResponse)

		zMachine, err := zmachine.LoadRom([]uint8(msg), inputChannel, saveRestoreChannel, outputChannel)
		if err != nil {
			m.err = fmt.Errorf("%s: %w", m.selectedStoryName, err)
			m.state = choosingStory
			return m, nil
		}

		newModel := m.createApplicationModel(zMachine, inputChannel, saveRestoreChannel, outputChannel, []byte(msg), m.selectedStoryName)
		return newModel, newModel.Init()

	case errMsg:
		m.err = msg
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.storyList, cmd = m.storyList.Update(msg)
	return m, cmd
}

func (m selectStoryModel) View() string {
	if m.err != nil {
		return docStyle.Render(m.err.Error())
	}

	switch m.state {
	case loadingStoryList:
		return fmt.Sprintf("\n\n   %s Loading stories...\n\n", m.spinner.View())
	case choosingStory:
		return docStyle.Render(m.storyList.View())
	case downloadingStory:
		return fmt.Sprintf("\n\n   %s Downloading story...\n\n", m.spinner.View())
	default:
		return ""
	}
}

// cacheFilePath hashes the key so archive URLs with slashes become flat
// file names.
func cacheFilePath(cacheDir, key string) string {
	hash := sha256.Sum256([]byte(key))
	return filepath.Join(cacheDir, hex.EncodeToString(hash[:]))
}

func isCacheValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) < cacheDuration
}

type cachedStoryList struct {
	Stories []cachedStory `json:"stories"`
}

type cachedStory struct {
	Name        string    `json:"name"`
	ReleaseDate time.Time `json:"release_date"`
	URL         string    `json:"url"`
	Description string    `json:"description"`
	IFDBEntry   string    `json:"ifdb_entry"`
	IFWiki      string    `json:"ifwiki"`
}

func readCachedBytes(cacheDir, key string) []byte {
	if cacheDir == "" {
		return nil
	}
	path := cacheFilePath(cacheDir, key)
	if !isCacheValid(path) {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return data
}

func writeCachedBytes(cacheDir, key string, data []byte) {
	if cacheDir == "" {
		return
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return
	}
	os.WriteFile(cacheFilePath(cacheDir, key), data, 0644) // nolint:errcheck
}

func downloadStory(s story, cacheDir string) tea.Cmd {
	return func() tea.Msg {
		if data := readCachedBytes(cacheDir, s.url); data != nil {
			return downloadedStoryMsg(data)
		}

		c := &http.Client{Timeout: 60 * time.Second}
		res, err := c.Get(s.url)
		if err != nil {
			return errMsg{err}
		}
		defer res.Body.Close() // nolint:errcheck

		storyBytes, err := io.ReadAll(res.Body)
		if err != nil {
			return errMsg{err}
		}

		writeCachedBytes(cacheDir, s.url, storyBytes)
		return downloadedStoryMsg(storyBytes)
	}
}

func downloadStoryList(cacheDir string) tea.Cmd {
	return func() tea.Msg {
		if data := readCachedBytes(cacheDir, "storylist"); data != nil {
			var cached cachedStoryList
			if json.Unmarshal(data, &cached) == nil {
				stories := make([]list.Item, 0, len(cached.Stories))
				for _, cs := range cached.Stories {
					stories = append(stories, story{
						name:        cs.Name,
						releaseDate: cs.ReleaseDate,
						url:         cs.URL,
						description: cs.Description,
						ifdbEntry:   cs.IFDBEntry,
						ifwiki:      cs.IFWiki,
					})
				}
				return storiesDownloadedMsg(stories)
			}
		}

		c := &http.Client{Timeout: 10 * time.Second}
		res, err := c.Get(indexURL)
		if err != nil {
			return errMsg{err}
		}
		defer res.Body.Close() // nolint:errcheck
		if res.StatusCode != 200 {
			return errMsg{fmt.Errorf("story index fetch failed with status %d", res.StatusCode)}
		}

		doc, err := goquery.NewDocumentFromReader(res.Body)
		if err != nil {
			return errMsg{err}
		}

		stories := parseStoryIndex(doc)
		cacheStoryList(cacheDir, stories)
		return storiesDownloadedMsg(stories)
	}
}

// parseStoryIndex walks the archive's dl/dt listing: each dt holds the
// link and release date, the dd elements that follow carry the
// description and cross references.
func parseStoryIndex(doc *goquery.Document) []list.Item {
	var stories []list.Item

	doc.Find("dl dt").Each(func(i int, s *goquery.Selection) {
		href, _ := s.Find("a").Attr("href")
		if !storyFilePattern.MatchString(href) {
			return
		}

		title := strings.Replace(s.Find("a").Text(), "◆", "", 1)
		releaseDate, _ := time.Parse("02-Jan-2006", releaseDatePattern.FindString(s.Find("span").Text()))

		var description, ifdbEntry, ifwiki string
		s.NextUntil("dt").Each(func(j int, s2 *goquery.Selection) {
			switch {
			case strings.Contains(s2.Text(), "IFDB"):
				ifdbEntry, _ = s2.Find("a").Attr("href")
			case strings.Contains(s2.Text(), "IFWiki"):
				ifwiki, _ = s2.Find("a").Attr("href")
			case len(s2.ChildrenFiltered("p").Nodes) == 1:
				description = s2.Find("p").Text()
			}
		})

		stories = append(stories, story{
			name:        title,
			releaseDate: releaseDate,
			url:         archiveRoot + href,
			description: description,
			ifdbEntry:   ifdbEntry,
			ifwiki:      ifwiki,
		})
	})

	return stories
}

func cacheStoryList(cacheDir string, stories []list.Item) {
	if cacheDir == "" {
		return
	}
	var cached cachedStoryList
	for _, item := range stories {
		s := item.(story)
		cached.Stories = append(cached.Stories, cachedStory{
			Name:        s.name,
			ReleaseDate: s.releaseDate,
			URL:         s.url,
			Description: s.description,
			IFDBEntry:   s.ifdbEntry,
			IFWiki:      s.ifwiki,
		})
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return
	}
	writeCachedBytes(cacheDir, "storylist", data)
}
