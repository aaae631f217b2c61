package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/tanq16/lmfetch/internal/output"
	"github.com/tanq16/lmfetch/internal/utils"
	"github.com/tanq16/lmfetch/pkg/assets"
)

// Task is one language to make available through the given manager.
type Task struct {
	Lang    string
	Manager *assets.Manager
}

type result struct {
	outputID int
	outcome  assets.Outcome
	err      error
}

// Run processes tasks with numWorkers parallel workers and reports each one
// through the terminal display. It returns an error if any task failed.
func Run(ctx context.Context, tasks []Task, numWorkers int) error {
	outputMgr := output.NewManager()
	outputMgr.StartDisplay()

	taskCh := make(chan Task, len(tasks))
	for _, task := range tasks {
		taskCh <- task
	}
	close(taskCh)

	var wg sync.WaitGroup
	for range max(1, min(numWorkers, len(tasks))) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processTasks(ctx, taskCh, outputMgr)
		}()
	}
	wg.Wait()
	outputMgr.StopDisplay()

	if failed := outputMgr.ErrorCount(); failed > 0 {
		return fmt.Errorf("%d of %d operations failed", failed, len(tasks))
	}
	return nil
}

func processTasks(ctx context.Context, taskCh <-chan Task, outputMgr *output.Manager) {
	for task := range taskCh {
		res := runTask(ctx, task, outputMgr)
		name := utils.NgramFileName(task.Lang)
		switch {
		case res.err != nil:
			outputMgr.ReportError(res.outputID, res.err)
		case res.outcome == assets.UnavailableByPolicy:
			outputMgr.Skip(res.outputID, fmt.Sprintf("%s missing, download disabled", name))
		default:
			outputMgr.Complete(res.outputID, fmt.Sprintf("%s available at %s", name, task.Manager.TargetPath(task.Lang)))
		}
	}
}

func runTask(ctx context.Context, task Task, outputMgr *output.Manager) result {
	id := outputMgr.RegisterJob(utils.NgramFileName(task.Lang))
	outputMgr.SetMessage(id, fmt.Sprintf("Checking %s", task.Lang))
	mgr := task.Manager.With(
		assets.WithProgress(func(lang string, downloaded, total int64) {
			outputMgr.AddProgressBarToStream(id, downloaded, total)
		}),
		assets.WithStateFunc(func(lang string, state utils.JobState) {
			outputMgr.SetState(id, state)
		}),
	)
	outcome, err := mgr.EnsureAvailable(ctx, task.Lang)
	return result{outputID: id, outcome: outcome, err: err}
}
