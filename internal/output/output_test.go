package output

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/lmfetch/internal/utils"
)

func TestProgressText(t *testing.T) {
	assert.Equal(t, "1.0 MiB / 2.0 MiB", ProgressText(1<<20, 2<<20))
	assert.Equal(t, "512 B", ProgressText(512, 0))
	assert.Equal(t, "0 B / 1.0 KiB", ProgressText(-5, 1024))
}

func TestPrintProgressBar(t *testing.T) {
	bar := PrintProgressBar(50, 100, 10)
	assert.Contains(t, bar, "50.0%")
	assert.Equal(t, 5, strings.Count(bar, barFill))

	// out of range values are clamped
	assert.Contains(t, PrintProgressBar(300, 100, 10), "100.0%")
	assert.Contains(t, PrintProgressBar(10, 0, 10), "100.0%")
}

func TestManagerNonInteractive(t *testing.T) {
	m := NewManager()
	m.interactive = false
	m.StartDisplay()

	ok := m.RegisterJob("en_ngrams.bin")
	skipped := m.RegisterJob("de_ngrams.bin")
	failed := m.RegisterJob("fr_ngrams.bin")

	m.SetState(ok, utils.StateChunked)
	m.AddProgressBarToStream(ok, 10, 100)
	assert.Len(t, m.outputs[ok].StreamLines, 1)
	m.SetState(ok, utils.StateAssembling)
	assert.Empty(t, m.outputs[ok].StreamLines)

	m.Complete(ok, "en_ngrams.bin available")
	m.Skip(skipped, "de_ngrams.bin missing")
	m.ReportError(failed, errors.New("boom"))
	m.StopDisplay()

	assert.Equal(t, 1, m.ErrorCount())
	assert.Equal(t, ToneAvailable, m.outputs[ok].Status)
	assert.Equal(t, ToneSkipped, m.outputs[skipped].Status)
	assert.Equal(t, ToneFailed, m.outputs[failed].Status)
	assert.Equal(t, "Failed fr_ngrams.bin", m.outputs[failed].Message)

	active, completed := m.sortJobs()
	assert.Empty(t, active)
	assert.Len(t, completed, 3)
}

func TestToneLines(t *testing.T) {
	for tone := ToneActive; tone <= ToneDetail; tone++ {
		_, ok := tones[tone]
		require.Truef(t, ok, "tone %d has no style", tone)
	}
	line := ToneAvailable.Line("en_ngrams.bin available")
	assert.Contains(t, line, "✓")
	assert.Contains(t, line, "en_ngrams.bin available")
	assert.Contains(t, TonePartial.Symbol(), "◐")
}
