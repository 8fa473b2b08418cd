package pipeline

import (
	"bufio"
	"os"
	"time"
)

// timeoutAuto selects input-size-driven timeout estimation.
const timeoutAuto = "auto"

// defaultTimeoutFloor applies when a catalog entry specifies no floor.
const defaultTimeoutFloor = 5 * time.Minute

// EstimateTimeout computes an auto timeout from measurable input volume
// using the tool's linear formula: floor + perLine * inputLines. There is
// no ceiling; the floor guarantees small inputs still get a workable
// budget.
func EstimateTimeout(spec TimeoutSpec, inputLines int64) time.Duration {
	floor := spec.Floor
	if floor <= 0 {
		floor = defaultTimeoutFloor
	}
	if spec.PerLine <= 0 || inputLines <= 0 {
		return floor
	}
	return floor + time.Duration(inputLines)*spec.PerLine
}

// ResolveTimeout turns a tool setting's timeout value into a concrete
// duration: a fixed configured value, or an estimate from the tool's input
// file size when set to auto. Validation happened at plan derivation, so a
// malformed duration here is a programming error.
func ResolveTimeout(tool PlannedTool, workDir string) (time.Duration, error) {
	switch tool.Setting.Timeout {
	case "":
		return EstimateTimeout(tool.Template.Timeout, 0), nil
	case timeoutAuto:
		var lines int64
		if tool.Setting.Input != "" {
			n, err := countLines(workDir + "/" + tool.Setting.Input)
			if err == nil {
				lines = n
			}
		}
		return EstimateTimeout(tool.Template.Timeout, lines), nil
	default:
		d, err := time.ParseDuration(tool.Setting.Timeout)
		if err != nil {
			return 0, &ConfigError{Tool: tool.Name, Reason: "invalid timeout " + tool.Setting.Timeout}
		}
		return d, nil
	}
}

func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var n int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxCountLineBytes)
	for scanner.Scan() {
		n++
	}
	return n, scanner.Err()
}

const maxCountLineBytes = 1 << 20
