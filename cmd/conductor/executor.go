package main

import (
	"context"
	"fmt"

	"conductor/internal/dispatch"
)

// simulatedExecutor is the built-in executor: it emits every expected
// artifact with placeholder content. Real agent backends register over it
// when conductor is embedded as a library; the CLI ships with simulation
// only, which keeps runs reproducible and free of external services.
type simulatedExecutor struct {
	role string
}

func (x *simulatedExecutor) Execute(ctx context.Context, req dispatch.Request) (dispatch.Result, error) {
	select {
	case <-ctx.Done():
		return dispatch.Result{}, ctx.Err()
	default:
	}

	result := dispatch.Result{
		Summary: fmt.Sprintf("%s completed %q (attempt %d, %d context snippets)",
			x.role, req.Task.Title, req.Attempt, len(req.Snippets)),
	}
	for _, path := range req.Task.ExpectedArtifacts {
		body := fmt.Sprintf("# %s\n\nProduced by %s for task %s.\n", path, x.role, req.Task.ID)
		result.Artifacts = append(result.Artifacts, dispatch.OutputFile{Path: path, Data: []byte(body)})
	}
	return result, nil
}
