package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/jblount/zmach/selectstoryui"
	"github.com/jblount/zmach/zmachine"
	"github.com/muesli/reflow/wordwrap"
)

var romFilePath string

type textUpdateMessage string
type eraseLineRequest zmachine.EraseLineRequest
type eraseWindowRequest zmachine.EraseWindowRequest
type statusBarMessage zmachine.StatusBar
type screenModelMessage zmachine.ScreenModel
type inputRequestMessage zmachine.InputRequest
type saveRequestMessage zmachine.Save
type restoreRequestMessage zmachine.Restore
type restartRequest bool
type runtimeErrorMessage zmachine.RuntimeError
type warningMessage zmachine.Warning
type soundEffectRequest zmachine.SoundEffectRequest

// keyToZChar maps a Bubble Tea key to the ZSCII input code the story
// sees: 129-132 cursor keys, 133-144 function keys, 27 escape, 13
// return, 8 delete (section 3.8 of the standard's input rules).
func keyToZChar(msg tea.KeyMsg) uint8 {
	switch msg.Type {
	case tea.KeyUp:
		return 129
	case tea.KeyDown:
		return 130
	case tea.KeyLeft:
		return 131
	case tea.KeyRight:
		return 132
	case tea.KeyEscape:
		return 27
	case tea.KeyEnter:
		return 13
	case tea.KeyDelete, tea.KeyBackspace:
		return 8
	case tea.KeyF1:
		return 133
	case tea.KeyF2:
		return 134
	case tea.KeyF3:
		return 135
	case tea.KeyF4:
		return 136
	case tea.KeyF5:
		return 137
	case tea.KeyF6:
		return 138
	case tea.KeyF7:
		return 139
	case tea.KeyF8:
		return 140
	case tea.KeyF9:
		return 141
	case tea.KeyF10:
		return 142
	case tea.KeyF11:
		return 143
	case tea.KeyF12:
		return 144
	}
	return 0
}

func isValidTerminator(keyCode uint8, validTerminators []uint8) bool {
	if keyCode == 0 {
		return false
	}
	for _, t := range validTerminators {
		if t == keyCode {
			return true
		}
	}
	return false
}

type storyState int

const (
	storyRunning storyState = iota
	storyWaitingForLine
	storyWaitingForCharacter
)

// upperWindow is the cursor-addressed top window: a grid of characters
// with a style per cell. The lower window is append-only text and needs
// none of this.
type upperWindow struct {
	rows   []string
	styles [][]lipgloss.Style
	width  int
}

func (w *upperWindow) resize(height int, width int, fill lipgloss.Style) {
	w.width = width

	for len(w.rows) < height {
		w.rows = append(w.rows, strings.Repeat(" ", width))
		w.styles = append(w.styles, styleRow(width, fill))
	}
	if len(w.rows) > height {
		w.rows = w.rows[:height]
		w.styles = w.styles[:height]
	}

	for ix, row := range w.rows {
		if width < len(row) {
			w.rows[ix] = row[:width]
			w.styles[ix] = w.styles[ix][:width]
		} else if width > len(row) {
			w.rows[ix] = row + strings.Repeat(" ", width-len(row))
			for len(w.styles[ix]) < width {
				w.styles[ix] = append(w.styles[ix], fill)
			}
		}
	}
}

func (w *upperWindow) clear(fill lipgloss.Style) {
	for ix := range w.rows {
		w.rows[ix] = strings.Repeat(" ", w.width)
		w.styles[ix] = styleRow(w.width, fill)
	}
}

// write overlays text at the cursor, replacing characters rather than
// inserting, and moves down a row at each newline.
func (w *upperWindow) write(text string, cursorX int, cursorY int, style lipgloss.Style) {
	for segIdx, segment := range strings.Split(text, "\n") {
		if segIdx > 0 {
			cursorY++
			cursorX = 0
		}
		if cursorY < 0 || cursorY >= len(w.rows) {
			continue
		}

		row := w.rows[cursorY]
		if cursorX >= len(row) {
			continue
		}

		end := cursorX + len(segment)
		if end > len(row) {
			segment = segment[:len(row)-cursorX]
			end = len(row)
		}
		w.rows[cursorY] = row[:cursorX] + segment + row[end:]
		for i := cursorX; i < end; i++ {
			w.styles[cursorY][i] = style
		}
	}
}

func (w *upperWindow) eraseToLineEnd(cursorX int, cursorY int) {
	if cursorY < 0 || cursorY >= len(w.rows) || cursorX < 0 || cursorX >= w.width {
		return
	}
	row := w.rows[cursorY]
	w.rows[cursorY] = row[:cursorX] + strings.Repeat(" ", len(row)-cursorX)
}

// render flattens the grid into styled terminal output, batching runs
// of identically-styled cells to keep the ANSI overhead down.
func (w *upperWindow) render() string {
	var out strings.Builder
	var run strings.Builder
	var runStyle lipgloss.Style

	for rowIx, styleRow := range w.styles {
		for colIx, cellStyle := range styleRow {
			if !sameStyle(cellStyle, runStyle) {
				if run.Len() > 0 {
					out.WriteString(runStyle.Render(run.String()))
				}
				runStyle = cellStyle
				run.Reset()
			}
			run.WriteByte(w.rows[rowIx][colIx])
		}
		run.WriteByte('\n')
	}
	if run.Len() > 0 {
		out.WriteString(runStyle.Render(run.String()))
	}
	return out.String()
}

func sameStyle(a lipgloss.Style, b lipgloss.Style) bool {
	return a.GetBackground() == b.GetBackground() &&
		a.GetForeground() == b.GetForeground() &&
		a.GetBold() == b.GetBold() &&
		a.GetItalic() == b.GetItalic() &&
		a.GetReverse() == b.GetReverse()
}

func styleRow(width int, style lipgloss.Style) []lipgloss.Style {
	row := make([]lipgloss.Style, width)
	for i := range row {
		row[i] = style
	}
	return row
}

type storyModel struct {
	outputChannel      <-chan any
	sendChannel        chan<- zmachine.InputResponse
	saveRestoreChannel chan<- zmachine.SaveRestoreResponse
	zMachine           *zmachine.ZMachine
	romBytes           []byte
	romFilePath        string

	statusBar        zmachine.StatusBar
	screenModel      zmachine.ScreenModel
	upperWindow      upperWindow
	lowerWindowText  string // unstyled text awaiting a styled flush
	lowerWindowDone  string // already styled, append-only
	state            storyState
	validTerminators []uint8
	inputBox         textinput.Model
	width            int
	height           int

	backgroundStyle lipgloss.Style
	statusBarStyle  lipgloss.Style
	upperTextStyle  lipgloss.Style
	lowerTextStyle  lipgloss.Style

	runtimeError string
}

func (m storyModel) Init() tea.Cmd {
	return tea.Batch(
		waitForInterpreter(m.outputChannel),
		runInterpreter(m.zMachine),
		tea.Sequence(
			tea.SetWindowTitle(m.romFilePath),
			tea.WindowSize(),
		),
	)
}

func runInterpreter(z *zmachine.ZMachine) tea.Cmd {
	return func() tea.Msg {
		z.Run()
		return nil
	}
}

func (m storyModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.upperWindow.resize(min(m.height, m.screenModel.UpperWindowHeight), m.width, m.backgroundStyle)

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m.handleKey(msg)

	case textUpdateMessage:
		if m.screenModel.LowerWindowActive {
			m.lowerWindowText += string(msg)
		} else {
			m.upperWindow.write(string(msg), m.screenModel.UpperWindowCursorX, m.screenModel.UpperWindowCursorY, m.upperTextStyle)
		}
		return m, waitForInterpreter(m.outputChannel)

	case inputRequestMessage:
		m.state = storyWaitingForLine
		m.validTerminators = msg.ValidTerminators
		return m, waitForInterpreter(m.outputChannel)

	case saveRequestMessage:
		m.saveRestoreChannel <- zmachine.SaveResponse{Success: m.writeSaveFile(zmachine.Save(msg))}
		return m, waitForInterpreter(m.outputChannel)

	case restoreRequestMessage:
		data, err := os.ReadFile(m.saveFilename(msg.Filename))
		if err != nil {
			m.saveRestoreChannel <- zmachine.RestoreResponse{Success: false}
		} else {
			m.saveRestoreChannel <- zmachine.RestoreResponse{Success: true, Data: data}
		}
		return m, waitForInterpreter(m.outputChannel)

	case zmachine.StateChangeRequest:
		switch msg {
		case zmachine.WaitForCharacter:
			m.state = storyWaitingForCharacter
		case zmachine.Running:
			m.state = storyRunning
		}
		return m, waitForInterpreter(m.outputChannel)

	case statusBarMessage:
		m.statusBar = zmachine.StatusBar(msg)
		return m, waitForInterpreter(m.outputChannel)

	case screenModelMessage:
		return m.applyScreenModel(zmachine.ScreenModel(msg))

	case restartRequest:
		return m.restart()

	case eraseLineRequest:
		if !m.screenModel.LowerWindowActive {
			m.upperWindow.eraseToLineEnd(m.screenModel.UpperWindowCursorX, m.screenModel.UpperWindowCursorY)
		}
		return m, waitForInterpreter(m.outputChannel)

	case eraseWindowRequest:
		return m.eraseWindow(int(msg))

	case runtimeErrorMessage:
		m.runtimeError = string(msg)
		return m, tea.Quit

	case warningMessage:
		fmt.Fprintf(os.Stderr, "%s\n", msg)
		return m, waitForInterpreter(m.outputChannel)

	case soundEffectRequest:
		if msg.SoundNumber == 1 || msg.SoundNumber == 2 {
			fmt.Print("\a") // the two standard beeps are all we do
		}
		return m, waitForInterpreter(m.outputChannel)
	}

	if m.state == storyWaitingForLine {
		m.inputBox, cmd = m.inputBox.Update(msg)
	}

	return m, cmd
}

func (m storyModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch m.state {
	case storyWaitingForCharacter:
		m.state = storyRunning
		if len(msg.Runes) > 0 {
			m.sendChannel <- zmachine.InputResponse{Text: string(msg.Runes[0])}
		} else {
			m.sendChannel <- zmachine.InputResponse{TerminatingKey: keyToZChar(msg)}
		}

	case storyWaitingForLine:
		keyCode := keyToZChar(msg)
		if msg.Type == tea.KeyEnter || isValidTerminator(keyCode, m.validTerminators) {
			m.state = storyRunning
			m.lowerWindowText += m.inputBox.Value() + "\n"
			terminatingKey := uint8(13)
			if msg.Type != tea.KeyEnter {
				terminatingKey = keyCode
			}
			m.sendChannel <- zmachine.InputResponse{Text: m.inputBox.Value(), TerminatingKey: terminatingKey}
			m.inputBox.SetValue("")
		} else {
			m.inputBox, cmd = m.inputBox.Update(msg)
		}
	}

	return m, cmd
}

func (m storyModel) applyScreenModel(sm zmachine.ScreenModel) (tea.Model, tea.Cmd) {
	m.screenModel = sm
	m.upperWindow.resize(min(max(m.height, 0), sm.UpperWindowHeight), m.width, m.backgroundStyle)

	// Flush pending lower-window text under the outgoing style before
	// the new one takes effect.
	m.flushLowerWindow()

	m.lowerTextStyle = m.lowerTextStyle.
		Background(lipgloss.Color(sm.LowerWindowBackground.ToHex())).
		Foreground(lipgloss.Color(sm.LowerWindowForeground.ToHex())).
		Bold(sm.LowerWindowTextStyle&zmachine.Bold != 0).
		Italic(sm.LowerWindowTextStyle&zmachine.Italic != 0).
		Reverse(sm.LowerWindowTextStyle&zmachine.ReverseVideo != 0).
		Inline(true)
	m.upperTextStyle = m.upperTextStyle.
		Background(lipgloss.Color(sm.UpperWindowBackground.ToHex())).
		Foreground(lipgloss.Color(sm.UpperWindowForeground.ToHex())).
		Bold(sm.UpperWindowTextStyle&zmachine.Bold != 0).
		Italic(sm.UpperWindowTextStyle&zmachine.Italic != 0).
		Reverse(sm.UpperWindowTextStyle&zmachine.ReverseVideo != 0)
	m.statusBarStyle = m.lowerTextStyle.Reverse(true)
	m.backgroundStyle = m.backgroundStyle.
		Background(lipgloss.Color(sm.DefaultLowerWindowBackground.ToHex())).
		Foreground(lipgloss.Color(sm.DefaultLowerWindowForeground.ToHex()))

	return m, waitForInterpreter(m.outputChannel)
}

func (m storyModel) restart() (tea.Model, tea.Cmd) {
	outputChannel := make(chan any)
	inputChannel := make(chan zmachine.InputResponse)
	saveRestoreChannel := make(chan zmachine.SaveRestoreResponse)

	zMachine, err := zmachine.LoadRom(m.romBytes, inputChannel, saveRestoreChannel, outputChannel)
	if err != nil {
		// The bytes loaded once already; failing now means they were
		// corrupted in flight, which is not recoverable.
		m.runtimeError = err.Error()
		return m, tea.Quit
	}

	m.zMachine = zMachine
	m.outputChannel = outputChannel
	m.sendChannel = inputChannel
	m.saveRestoreChannel = saveRestoreChannel

	m.lowerWindowText = ""
	m.lowerWindowDone = ""
	m.upperWindow.clear(m.backgroundStyle)
	m.state = storyRunning

	return m, tea.Batch(
		waitForInterpreter(m.outputChannel),
		runInterpreter(m.zMachine),
	)
}

func (m storyModel) eraseWindow(window int) (tea.Model, tea.Cmd) {
	switch window {
	case -2, -1: // clear both; -1 also unsplit, already applied via the screen model
		m.lowerWindowText = ""
		m.lowerWindowDone = ""
		m.upperWindow.clear(m.backgroundStyle)
	case 0:
		m.lowerWindowText = ""
		m.lowerWindowDone = ""
	case 1:
		m.upperWindow.clear(m.backgroundStyle)
	default:
		m.runtimeError = fmt.Sprintf("unexpected erase_window value: %d", window)
		return m, tea.Quit
	}

	return m, waitForInterpreter(m.outputChannel)
}

func (m *storyModel) flushLowerWindow() {
	if m.lowerWindowText == "" {
		return
	}
	lines := strings.Split(m.lowerWindowText, "\n")
	for ix, line := range lines {
		lines[ix] = m.lowerTextStyle.Render(line)
	}
	m.lowerWindowDone += strings.Join(lines, "\n")
	m.lowerWindowText = ""
}

func (m storyModel) writeSaveFile(req zmachine.Save) bool {
	saveData := m.zMachine.ExportSaveState()
	return os.WriteFile(m.saveFilename(req.Filename), saveData, 0644) == nil
}

// saveFilename derives an "8.3"-friendly save name from the ROM path:
// zork1.z3 becomes zork1.sav.
func (m storyModel) saveFilename(requested string) string {
	if requested != "" {
		return requested
	}
	if m.romFilePath == "" {
		return "story.sav"
	}
	base := filepath.Base(m.romFilePath)
	ext := filepath.Ext(base)
	if len(ext) >= 2 && (ext[1] == 'z' || ext[1] == 'Z') {
		base = base[:len(base)-len(ext)]
	}
	if len(base) > 8 {
		base = base[:8]
	}
	return base + ".sav"
}

func createStatusLine(width int, bar zmachine.StatusBar) string {
	rightHandSide := fmt.Sprintf("Score: %d    Moves %d", bar.Score, bar.Moves)
	if bar.IsTimeBased {
		rightHandSide = fmt.Sprintf("Time: %d:%02d", bar.Score, bar.Moves)
	}

	if len(rightHandSide) >= width {
		return rightHandSide[:width]
	}
	placeName := bar.PlaceName
	if len(placeName)+len(rightHandSide)+1 >= width {
		placeName = placeName[:width-len(rightHandSide)-1]
		return fmt.Sprintf("%s %s", placeName, rightHandSide)
	}

	padding := width - len(placeName) - len(rightHandSide)
	return placeName + strings.Repeat(" ", padding) + rightHandSide
}

func (m storyModel) View() string {
	if m.runtimeError != "" {
		errorStyle := lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)
		return fmt.Sprintf("\n%s\n\n%s\n", errorStyle.Render("Z-Machine Error:"), m.runtimeError)
	}

	// Nothing sensible to draw until the first WindowSizeMsg arrives.
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	s := strings.Builder{}
	lowerWindowHeight := m.height

	if m.statusBar.PlaceName != "" {
		s.WriteString(m.statusBarStyle.Render(createStatusLine(m.width, m.statusBar)))
		s.WriteString(m.lowerTextStyle.Render("\n"))
		lowerWindowHeight -= 2
	} else {
		lowerWindowHeight -= m.screenModel.UpperWindowHeight
		s.WriteString(m.upperWindow.render())
	}

	m.flushLowerWindow()
	wrapped := wordwrap.String(m.lowerWindowDone, m.width)
	lines := strings.Split(wrapped, "\n")
	if len(lines) > lowerWindowHeight-2 {
		lines = lines[len(lines)-lowerWindowHeight+2:]
	}
	s.WriteString(strings.Join(lines, "\n"))

	if m.state == storyWaitingForLine {
		s.WriteString(m.lowerTextStyle.Render("\n" + m.inputBox.View()))
	}

	return m.backgroundStyle.
		Width(m.width).
		Height(m.height).
		Render(s.String())
}

func waitForInterpreter(sub <-chan any) tea.Cmd {
	return func() tea.Msg {
		msg := <-sub
		switch msg := msg.(type) {
		case zmachine.InputRequest:
			return inputRequestMessage(msg)
		case zmachine.Save:
			return saveRequestMessage(msg)
		case zmachine.Restore:
			return restoreRequestMessage(msg)
		case zmachine.StateChangeRequest:
			return msg
		case zmachine.EraseWindowRequest:
			return eraseWindowRequest(msg)
		case zmachine.EraseLineRequest:
			return eraseLineRequest(msg)
		case zmachine.StatusBar:
			return statusBarMessage(msg)
		case zmachine.ScreenModel:
			return screenModelMessage(msg)
		case string:
			return textUpdateMessage(msg)
		case zmachine.Quit:
			return tea.Quit()
		case zmachine.Restart:
			return restartRequest(true)
		case zmachine.RuntimeError:
			return runtimeErrorMessage(msg)
		case zmachine.Warning:
			return warningMessage(msg)
		case zmachine.SoundEffectRequest:
			return soundEffectRequest(msg)
		default:
			return runtimeErrorMessage(zmachine.RuntimeError("invalid message type sent from interpreter"))
		}
	}
}

func newStoryModel(zMachine *zmachine.ZMachine, inputChannel chan<- zmachine.InputResponse, saveRestoreChannel chan<- zmachine.SaveRestoreResponse, outputChannel <-chan any, romBytes []byte, romPath string) tea.Model {
	ti := textinput.New()
	ti.Focus()
	ti.CharLimit = 156
	ti.Width = 20
	ti.Prompt = ""

	return storyModel{
		outputChannel:      outputChannel,
		sendChannel:        inputChannel,
		saveRestoreChannel: saveRestoreChannel,
		zMachine:           zMachine,
		romBytes:           romBytes,
		romFilePath:        romPath,
		state:              storyRunning,
		validTerminators:   []uint8{13},
		inputBox:           ti,
		upperTextStyle:     lipgloss.NewStyle(),
		lowerTextStyle:     lipgloss.NewStyle(),
		statusBarStyle:     lipgloss.NewStyle(),
		backgroundStyle:    lipgloss.NewStyle(),
	}
}

func init() {
	flag.StringVar(&romFilePath, "rom", "", "The path of a z-machine story file")
	flag.Parse()
}

func main() {
	var model tea.Model

	if romFilePath != "" {
		romFileBytes, err := os.ReadFile(romFilePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot read story file %s: %v\n", romFilePath, err)
			os.Exit(1)
		}

		outputChannel := make(chan any)
		inputChannel := make(chan zmachine.InputResponse)
		saveRestoreChannel := make(chan zmachine.SaveRestoreResponse)
		zMachine, err := zmachine.LoadRom(romFileBytes, inputChannel, saveRestoreChannel, outputChannel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot interpret story file %s: %v\n", romFilePath, err)
			os.Exit(2)
		}

		model = newStoryModel(zMachine, inputChannel, saveRestoreChannel, outputChannel, romFileBytes, romFilePath)
	} else {
		cacheDir := ""
		if userCache, err := os.UserCacheDir(); err == nil {
			cacheDir = filepath.Join(userCache, "zmach")
		}
		model = selectstoryui.NewUIModel(newStoryModel, cacheDir)
	}

	tui := tea.NewProgram(model)
	if _, err := tui.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error running program:", err)
		os.Exit(1)
	}
}
