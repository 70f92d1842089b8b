package agent

import "github.com/ShayCichocki/orca/internal/orchestrator"

func debugf(format string, args ...interface{}) {
	orchestrator.Debugf(format, args...)
}
