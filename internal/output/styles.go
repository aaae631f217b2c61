package output

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Tone says what happened to an asset and decides how lines about it look.
type Tone int

const (
	ToneActive    Tone = iota // probing, downloading or assembling
	ToneAvailable             // present on disk
	ToneSkipped               // missing, download not permitted
	ToneFailed
	TonePartial // resumable chunks on disk
	ToneMuted   // sizes, timings, progress text
	ToneDetail  // language codes and paths
)

type toneStyle struct {
	style  lipgloss.Style
	symbol string
}

var tones = map[Tone]toneStyle{
	ToneActive:    {lipgloss.NewStyle().Foreground(lipgloss.Color("12")), "◉"},
	ToneAvailable: {lipgloss.NewStyle().Foreground(lipgloss.Color("37")), "✓"},
	ToneSkipped:   {lipgloss.NewStyle().Foreground(lipgloss.Color("11")), "!"},
	ToneFailed:    {lipgloss.NewStyle().Foreground(lipgloss.Color("9")), "✗"},
	TonePartial:   {lipgloss.NewStyle().Foreground(lipgloss.Color("214")), "◐"},
	ToneMuted:     {lipgloss.NewStyle().Foreground(lipgloss.Color("250")), "•"},
	ToneDetail:    {lipgloss.NewStyle().Foreground(lipgloss.Color("13")), "•"},
}

var (
	streamStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
)

const (
	arrow     = "→"
	separator = "•"
	barFill   = "━"
)

func (t Tone) Render(text string) string {
	return tones[t].style.Render(text)
}

func (t Tone) Symbol() string {
	return tones[t].style.Render(tones[t].symbol)
}

// Line is the symbol followed by the styled text.
func (t Tone) Line(text string) string {
	return t.Symbol() + " " + t.Render(text)
}

func (t Tone) bold(text string) string {
	return tones[t].style.Bold(true).Render(text)
}

func Print(t Tone, text string) {
	fmt.Println(t.Line(text))
}

func PrintHeader(text string) {
	fmt.Println(headerStyle.Render(text))
}
