package output

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

func PrintProgressBar(current, total int64, width int) string {
	if width <= 0 {
		width = 30
	}
	if total <= 0 {
		total = 1
	}
	current = max(0, min(current, total))
	percent := float64(current) / float64(total)
	filled := max(0, min(int(percent*float64(width)), width))
	bar := separator + strings.Repeat(barFill, filled) + strings.Repeat(" ", width-filled) + separator
	return ToneMuted.Render(fmt.Sprintf("%s %.1f%% %s ", bar, percent*100, separator))
}

// ProgressText renders "12 MiB / 1.2 GiB".
func ProgressText(current, total int64) string {
	if total <= 0 {
		return humanize.IBytes(uint64(max(current, 0)))
	}
	return fmt.Sprintf("%s / %s", humanize.IBytes(uint64(max(current, 0))), humanize.IBytes(uint64(total)))
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func getTerminalHeight() int {
	_, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || height <= 0 {
		return 24
	}
	return height
}
