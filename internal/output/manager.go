package output

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/lmfetch/internal/utils"
)

type JobOutput struct {
	ID          int
	Name        string
	Status      Tone
	Message     string
	StreamLines []string
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Error       error
}

type ErrorReport struct {
	JobName string
	Error   error
	Time    time.Time
}

// Manager renders one line per job plus an optional progress line, redrawn
// in place on a ticker. Without a terminal only final results are printed.
type Manager struct {
	outputs     map[int]*JobOutput
	mutex       sync.RWMutex
	numLines    int
	errors      []ErrorReport
	doneCh      chan struct{}
	displayTick time.Duration
	jobCount    int
	displayWg   sync.WaitGroup
	interactive bool
}

func NewManager() *Manager {
	return &Manager{
		outputs:     make(map[int]*JobOutput),
		doneCh:      make(chan struct{}),
		displayTick: 300 * time.Millisecond,
		interactive: isTerminal(),
	}
}

func (m *Manager) RegisterJob(name string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.jobCount++
	m.outputs[m.jobCount] = &JobOutput{
		ID:          m.jobCount,
		Name:        name,
		Status:      ToneActive,
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
	}
	return m.jobCount
}

func (m *Manager) SetMessage(id int, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.Message = message
		info.LastUpdated = time.Now()
	}
}

// SetState shows a download state change as the job's message.
func (m *Manager) SetState(id int, state utils.JobState) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.Message = fmt.Sprintf("%s %s %s", info.Name, arrow, state)
		if state == utils.StateAssembling || state == utils.StateVerifying {
			info.StreamLines = nil
		}
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) Complete(id int, message string) {
	m.finish(id, ToneAvailable, message, nil)
}

// Skip marks a job done without success or failure, e.g. download disabled.
func (m *Manager) Skip(id int, message string) {
	m.finish(id, ToneSkipped, message, nil)
}

func (m *Manager) ReportError(id int, err error) {
	m.finish(id, ToneFailed, "", err)
}

func (m *Manager) finish(id int, status Tone, message string, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	info, exists := m.outputs[id]
	if !exists {
		return
	}
	info.StreamLines = nil
	info.Complete = true
	info.Status = status
	info.Error = err
	info.LastUpdated = time.Now()
	if message != "" {
		info.Message = message
	} else if err != nil {
		info.Message = fmt.Sprintf("Failed %s", info.Name)
	}
	if err != nil {
		m.errors = append(m.errors, ErrorReport{JobName: info.Name, Error: err, Time: time.Now()})
	}
	if !m.interactive {
		fmt.Printf("%s%s\n", strings.Repeat(" ", 2), info.Status.Line(info.Message))
	}
}

func (m *Manager) AddProgressBarToStream(id int, current, total int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		progressBar := PrintProgressBar(current, total, 30)
		elapsed := time.Since(info.StartTime).Seconds()
		display := fmt.Sprintf("%s%s %s %s", progressBar, ToneMuted.Render(ProgressText(current, total)), separator, ToneMuted.Render(utils.FormatSpeed(current, elapsed)))
		info.StreamLines = []string{display}
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) sortJobs() (active, completed []*JobOutput) {
	var all []*JobOutput
	for _, info := range m.outputs {
		all = append(all, info)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].ID < all[j].ID
	})
	for _, job := range all {
		if job.Complete {
			completed = append(completed, job)
		} else {
			active = append(active, job)
		}
	}
	return active, completed
}

func (m *Manager) updateDisplay() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	availableLines := getTerminalHeight() - 3
	if m.numLines > 0 {
		fmt.Printf("\033[%dA\033[J", m.numLines)
	}
	active, completed := m.sortJobs()
	lineCount := 0
	for _, info := range append(completed, active...) {
		if lineCount >= availableLines {
			break
		}
		elapsed := time.Since(info.StartTime).Round(time.Second)
		if info.Complete {
			elapsed = info.LastUpdated.Sub(info.StartTime).Round(time.Second)
		}
		message := info.Message
		if message == "" {
			message = "Waiting..."
		}
		fmt.Printf("%s%s %s %s\n", strings.Repeat(" ", 2), info.Status.Symbol(), ToneMuted.Render(elapsed.String()), info.Status.Render(message))
		lineCount++
		for _, line := range info.StreamLines {
			if lineCount >= availableLines {
				break
			}
			fmt.Printf("%s%s\n", strings.Repeat(" ", 2+4), streamStyle.Render(line))
			lineCount++
		}
	}
	m.numLines = lineCount
}

func (m *Manager) StartDisplay() {
	if !m.interactive {
		return
	}
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateDisplay()
			case <-m.doneCh:
				m.updateDisplay()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
	m.ShowSummary()
}

func (m *Manager) ErrorCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.errors)
}

func (m *Manager) displayErrors() {
	if len(m.errors) == 0 {
		return
	}
	fmt.Println()
	fmt.Println(strings.Repeat(" ", 2) + ToneFailed.bold("Errors:"))
	for i, err := range m.errors {
		fmt.Printf("%s%s %s %s\n",
			strings.Repeat(" ", 2+2),
			ToneFailed.Render(fmt.Sprintf("%d.", i+1)),
			ToneMuted.Render(fmt.Sprintf("[%s]", err.Time.Format("15:04:05"))),
			ToneFailed.Render(err.JobName))
		fmt.Printf("%s%s\n", strings.Repeat(" ", 2+4), ToneFailed.Render(fmt.Sprintf("Error: %v", err.Error)))
	}
}

func (m *Manager) ShowSummary() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	fmt.Println()
	counts := map[Tone]int{}
	for _, info := range m.outputs {
		counts[info.Status]++
	}
	total := len(m.outputs)
	fmt.Println(strings.Repeat(" ", 2) + ToneAvailable.bold(fmt.Sprintf("Available %d of %d", counts[ToneAvailable], total)))
	if n := counts[ToneSkipped]; n > 0 {
		fmt.Println(strings.Repeat(" ", 2) + ToneSkipped.Render(fmt.Sprintf("Skipped %d of %d (download disabled)", n, total)))
	}
	if n := counts[ToneFailed]; n > 0 {
		fmt.Println(strings.Repeat(" ", 2) + ToneFailed.Render(fmt.Sprintf("Failed %d of %d", n, total)))
	}
	m.displayErrors()
	fmt.Println()
}
