// Package cleanup runs teardown steps to completion even when some fail.
package cleanup

import (
	"errors"
	"fmt"
	"log/slog"
)

// Step is one named teardown action.
type Step struct {
	Name string
	Run  func() error
}

// Func wraps a plain function as a Step.
func Func(name string, fn func() error) Step {
	return Step{Name: name, Run: fn}
}

// Run executes every step in order. A failing or panicking step is logged
// and the remaining steps still run. The returned error joins all failures.
func Run(logger *slog.Logger, steps ...Step) error {
	if logger == nil {
		logger = slog.Default()
	}
	var errs []error
	for _, step := range steps {
		if step.Run == nil {
			continue
		}
		if err := runOne(step); err != nil {
			logger.Warn("cleanup step failed", "step", step.Name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runOne(step Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", step.Name, r)
		}
	}()
	if err := step.Run(); err != nil {
		return fmt.Errorf("%s: %w", step.Name, err)
	}
	return nil
}
