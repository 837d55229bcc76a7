package poreflow

import "context"

// Task is a resumable unit of long running work. Step does one unit (a chunk
// or an event) and reports the completed fraction. Cancel discards every
// partial result of the task.
type Task interface {
	Step() (float64, error)
	Cancel()
	Done() bool
}

// Run drives a task until it is done, fails, or ctx is cancelled. progress
// may be nil.
func Run(ctx context.Context, task Task, progress func(float64)) error {
	for !task.Done() {
		select {
		case <-ctx.Done():
			task.Cancel()
			return ctx.Err()
		default:
		}
		fraction, err := task.Step()
		if err != nil {
			return err
		}
		if progress != nil {
			progress(fraction)
		}
	}
	return nil
}
