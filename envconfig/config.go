// Package envconfig reads runtime settings from VIDEOQA_* environment
// variables.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

var (
	// Set via VIDEOQA_DEBUG in the environment
	Debug bool
	// Set via VIDEOQA_BACKEND in the environment
	Backend string
	// Set via VIDEOQA_SEED in the environment
	Seed uint64
	// Set via VIDEOQA_FRAME_NUM in the environment
	NumFrames int
	// Set via VIDEOQA_PARALLEL_FUSION in the environment
	ParallelFusion bool
	// Set via VIDEOQA_MAX_TXT_LEN in the environment
	MaxTxtLen int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"VIDEOQA_DEBUG":           {"VIDEOQA_DEBUG", Debug, "Show additional debug information (e.g. VIDEOQA_DEBUG=1)"},
		"VIDEOQA_BACKEND":         {"VIDEOQA_BACKEND", Backend, "Compute backend to use (default \"cpu\")"},
		"VIDEOQA_SEED":            {"VIDEOQA_SEED", Seed, "Seed for the synthetic pipeline"},
		"VIDEOQA_FRAME_NUM":       {"VIDEOQA_FRAME_NUM", NumFrames, "Number of frames kept per video (default 4)"},
		"VIDEOQA_PARALLEL_FUSION": {"VIDEOQA_PARALLEL_FUSION", ParallelFusion, "Fuse selected frames concurrently"},
		"VIDEOQA_MAX_TXT_LEN":     {"VIDEOQA_MAX_TXT_LEN", MaxTxtLen, "Maximum prompt length in tokens (default 128)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	// default values
	Backend = "cpu"
	NumFrames = 4
	MaxTxtLen = 128

	LoadConfig()
}

func LoadConfig() {
	if debug := clean("VIDEOQA_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if backend := clean("VIDEOQA_BACKEND"); backend != "" {
		Backend = backend
	}

	if seed := clean("VIDEOQA_SEED"); seed != "" {
		s, err := strconv.ParseUint(seed, 10, 64)
		if err != nil {
			slog.Error("invalid setting, ignoring", "VIDEOQA_SEED", seed, "error", err)
		} else {
			Seed = s
		}
	}

	if frames := clean("VIDEOQA_FRAME_NUM"); frames != "" {
		n, err := strconv.Atoi(frames)
		if err != nil || n <= 0 {
			slog.Error("invalid setting, ignoring", "VIDEOQA_FRAME_NUM", frames, "error", err)
		} else {
			NumFrames = n
		}
	}

	if pf := clean("VIDEOQA_PARALLEL_FUSION"); pf != "" {
		d, err := strconv.ParseBool(pf)
		if err == nil {
			ParallelFusion = d
		}
	}

	if l := clean("VIDEOQA_MAX_TXT_LEN"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			slog.Error("invalid setting, ignoring", "VIDEOQA_MAX_TXT_LEN", l, "error", err)
		} else {
			MaxTxtLen = n
		}
	}
}
