// Command gametest runs every downloaded story file headlessly until
// its first input prompt and records what it printed, catching loader
// rejections, runtime faults and hangs in bulk.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jblount/zmach/zmachine"
)

// TestResult captures the outcome of driving a single story to its
// first prompt.
type TestResult struct {
	Filename     string   `json:"filename"`
	Version      uint8    `json:"version"`
	Success      bool     `json:"success"`
	FirstScreen  []string `json:"first_screen,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

func main() {
	storiesDir := flag.String("stories", "stories", "Directory containing story files")
	outputDir := flag.String("output", "testdata", "Directory to write results to")
	singleGame := flag.String("game", "", "Test a single story file instead of all of them")
	flag.Parse()

	if *singleGame != "" {
		printResult(runGameTest(*singleGame))
		return
	}

	runAllGames(*storiesDir, *outputDir)
}

func runAllGames(storiesDir, outputDir string) {
	if _, err := os.Stat(storiesDir); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "stories directory not found: %s\nrun 'go run ./cmd/scraper' first to download stories\n", storiesDir)
		os.Exit(1)
	}

	entries, err := os.ReadDir(storiesDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read stories directory: %v\n", err)
		os.Exit(1)
	}

	var games []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".z3") {
			games = append(games, filepath.Join(storiesDir, entry.Name()))
		}
	}

	if len(games) == 0 {
		fmt.Fprintf(os.Stderr, "no story files found in %s\n", storiesDir)
		os.Exit(1)
	}

	fmt.Printf("Found %d stories to test\n", len(games))

	var results []TestResult
	passed := 0
	for i, gamePath := range games {
		result := runGameTest(gamePath)
		results = append(results, result)

		status := "✗"
		if result.Success {
			status = "✓"
			passed++
		}
		fmt.Printf("[%d/%d] %s %s\n", i+1, len(games), status, result.Filename)
		if !result.Success {
			fmt.Printf("        %s\n", result.ErrorMessage)
		}
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create output directory: %v\n", err)
		os.Exit(1)
	}

	resultsJSON, _ := json.MarshalIndent(results, "", "  ")
	resultsPath := filepath.Join(outputDir, "test_results.json")
	if err := os.WriteFile(resultsPath, resultsJSON, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write results: %v\n", err)
	} else {
		fmt.Printf("\nResults written to %s\n", resultsPath)
	}

	writeScreenshots(filepath.Join(outputDir, "screenshots.txt"), results)
	fmt.Printf("\n=== SUMMARY ===\nPassed: %d\nFailed: %d\nTotal: %d\n", passed, len(results)-passed, len(results))
}

func writeScreenshots(path string, results []TestResult) {
	var screenshots strings.Builder
	for _, r := range results {
		fmt.Fprintf(&screenshots, "=== %s (v%d) ===\n", r.Filename, r.Version)
		if r.Success {
			for _, line := range r.FirstScreen {
				screenshots.WriteString(line + "\n")
			}
		} else {
			fmt.Fprintf(&screenshots, "ERROR: %s\n", r.ErrorMessage)
		}
		screenshots.WriteString("\n")
	}
	os.WriteFile(path, []byte(screenshots.String()), 0644) // nolint:errcheck
}

func printResult(result TestResult) {
	fmt.Printf("Story: %s\n", result.Filename)
	fmt.Printf("Version: %d\n", result.Version)
	fmt.Printf("Success: %v\n", result.Success)
	if result.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", result.ErrorMessage)
	}
	fmt.Printf("First Screen:\n%s\n", strings.Join(result.FirstScreen, "\n"))
}

func runGameTest(gamePath string) (result TestResult) {
	result.Filename = filepath.Base(gamePath)

	storyBytes, err := os.ReadFile(gamePath)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to read file: %v", err)
		return
	}
	if len(storyBytes) > 0 {
		result.Version = storyBytes[0]
	}

	// Buffered so the interpreter goroutine never blocks on a message
	// this harness has stopped reading.
	outputChannel := make(chan any, 256)
	inputChannel := make(chan zmachine.InputResponse, 1)
	saveRestoreChannel := make(chan zmachine.SaveRestoreResponse, 1)

	z, err := zmachine.LoadRom(storyBytes, inputChannel, saveRestoreChannel, outputChannel)
	if err != nil {
		result.ErrorMessage = err.Error()
		return
	}

	go z.Run()

	var screenOutput []string
	timeout := time.After(5 * time.Second)

	for {
		select {
		case msg := <-outputChannel:
			switch v := msg.(type) {
			case string:
				screenOutput = append(screenOutput, strings.Split(v, "\n")...)
			case zmachine.InputRequest:
				// First prompt reached: that's the whole test.
				result.Success = true
				result.FirstScreen = screenOutput
				return
			case zmachine.StateChangeRequest:
				if v == zmachine.WaitForCharacter {
					result.Success = true
					result.FirstScreen = screenOutput
					return
				}
			case zmachine.Quit, zmachine.Restart:
				result.Success = true
				result.FirstScreen = screenOutput
				return
			case zmachine.RuntimeError:
				result.ErrorMessage = string(v)
				return
			case zmachine.Save:
				saveRestoreChannel <- zmachine.SaveResponse{Success: false}
			case zmachine.Restore:
				saveRestoreChannel <- zmachine.RestoreResponse{Success: false}
			}
		case <-timeout:
			result.ErrorMessage = "timeout waiting for first input prompt"
			return
		}
	}
}
