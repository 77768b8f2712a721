package dataset

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"nnetcore/internal/model"
	"nnetcore/internal/nn"
)

var ErrUnknownTask = errors.New("unknown dataset task")

// Task generates single (unmerged) training examples together with the node
// layout a network needs to consume them.
type Task interface {
	Name() string
	Inputs() []nn.NodeSpec
	Outputs() []nn.NodeSpec
	Example(rng *rand.Rand) (model.Example, error)
}

const (
	TaskFrames     = "frames"
	TaskRegression = "regression"
)

func Get(name string) (Task, error) {
	switch Normalize(name) {
	case TaskFrames:
		return DefaultFramesTask(), nil
	case TaskRegression:
		return DefaultRegressionTask(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
}

func Names() []string {
	names := []string{TaskFrames, TaskRegression}
	sort.Strings(names)
	return names
}

// Normalize canonicalizes task names and their aliases.
func Normalize(name string) string {
	normalized := strings.TrimSpace(strings.ToLower(name))
	normalized = strings.ReplaceAll(normalized, "_", "-")
	normalized = strings.ReplaceAll(normalized, " ", "-")
	normalized = strings.Trim(normalized, "-")
	switch strings.ReplaceAll(normalized, "-", "") {
	case "frames", "frameclassification", "xent":
		return TaskFrames
	case "regression", "quadratic":
		return TaskRegression
	}
	return normalized
}

// Stream draws count examples from task.
func Stream(task Task, rng *rand.Rand, count int) ([]model.Example, error) {
	if rng == nil {
		return nil, errors.New("random source is required")
	}
	out := make([]model.Example, 0, count)
	for i := 0; i < count; i++ {
		eg, err := task.Example(rng)
		if err != nil {
			return nil, err
		}
		out = append(out, eg)
	}
	return out, nil
}
