package worker

import (
	"context"
	"log/slog"
	"os"
)

// WINGMAN_WORKER_DEBUG=1 logs every job assignment and worker exit at info level.
var workerDebugEnabled = os.Getenv("WINGMAN_WORKER_DEBUG") == "1"

func debugLog(msg string, args ...any) {
	if workerDebugEnabled {
		slog.Default().Log(context.Background(), slog.LevelInfo, msg, append(args, "component", "worker")...)
	}
}
