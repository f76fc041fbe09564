package app

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlSpec mirrors one entry of a supervisor specs file: the on-disk form of
// the per-queue worker config (script_to_run/max_runtime/cool_down/
// max_concurrent), expressed with plain seconds so the file stays readable.
type yamlSpec struct {
	Queue             string `yaml:"queue"`
	Binary            string `yaml:"script_to_run"`
	MaxConcurrent     int    `yaml:"max_concurrent"`
	CoolDownSeconds   int    `yaml:"cool_down_seconds"`
	MaxRuntimeSeconds int    `yaml:"max_runtime_seconds"`
}

// LoadSpecsFromYAML reads a supervisor specs file and returns the
// QueueWorkerSpec list it describes. Used by cmd/supervisor when
// config.Config.SupervisorSpecsFile is set, in place of the env-var-driven
// defaults, so an operator can retune concurrency/cool-down per queue
// without restarting with new environment variables.
func LoadSpecsFromYAML(path string) ([]QueueWorkerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=app.LoadSpecsFromYAML.read: %w", err)
	}
	var raw []yamlSpec
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("op=app.LoadSpecsFromYAML.unmarshal: %w", err)
	}
	specs := make([]QueueWorkerSpec, 0, len(raw))
	for _, r := range raw {
		if r.Queue == "" || r.Binary == "" {
			return nil, fmt.Errorf("op=app.LoadSpecsFromYAML: queue and script_to_run are required")
		}
		maxConcurrent := r.MaxConcurrent
		if maxConcurrent <= 0 {
			maxConcurrent = 1
		}
		coolDown := time.Duration(r.CoolDownSeconds) * time.Second
		if coolDown <= 0 {
			coolDown = 10 * time.Second
		}
		maxRuntime := time.Duration(r.MaxRuntimeSeconds) * time.Second
		if maxRuntime <= 0 {
			maxRuntime = 10 * time.Minute
		}
		specs = append(specs, QueueWorkerSpec{
			Queue:         r.Queue,
			Binary:        r.Binary,
			MaxConcurrent: maxConcurrent,
			CoolDown:      coolDown,
			MaxRuntime:    maxRuntime,
		})
	}
	return specs, nil
}
