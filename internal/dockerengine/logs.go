package dockerengine

import (
	"strconv"

	"github.com/docker/docker/api/types/container"
)

func containerLogsOptions(tailLines int) container.LogsOptions {
	tail := "20"
	if tailLines > 0 {
		tail = strconv.Itoa(tailLines)
	}
	return container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: tail}
}
