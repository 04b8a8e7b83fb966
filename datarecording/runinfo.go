package datarecording

import (
	"os"
	"sort"
	"strings"
	"time"
)

const runInfoTable = "run_info"

const timeFormat = "2006-01-02 15:04:05.000000000"

type runInfo struct {
	Property string
	Value    string
}

// A RunRecorder records how the program was run: the command line, the
// configuration and the start and end times.
type RunRecorder struct {
	recorder DataRecorder
	entries  []runInfo
}

// NewRunRecorder creates a RunRecorder and its table.
func NewRunRecorder(recorder DataRecorder) *RunRecorder {
	recorder.CreateTable(runInfoTable, runInfo{})

	return &RunRecorder{recorder: recorder}
}

// Start notes the start of the run along with the configuration.
func (e *RunRecorder) Start(config map[string]string) {
	e.entries = append(e.entries,
		runInfo{"Start Time", time.Now().Format(timeFormat)},
		runInfo{"Command", strings.Join(os.Args, " ")},
	)

	if wd, err := os.Getwd(); err == nil {
		e.entries = append(e.entries, runInfo{"Working Directory", wd})
	}

	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		e.entries = append(e.entries, runInfo{"Config " + k, config[k]})
	}
}

// End writes the run information along with the end time.
func (e *RunRecorder) End() {
	for _, entry := range e.entries {
		e.recorder.InsertData(runInfoTable, entry)
	}

	e.recorder.InsertData(runInfoTable,
		runInfo{"End Time", time.Now().Format(timeFormat)})

	e.entries = nil

	e.recorder.Flush()
}
