package config

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where the platform operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

type workerKind int

const (
	workerUnset workerKind = iota
	workerExplicit
	workerAuto
	workerDefault
)

// DefaultWorkers is the worker count used for "default" and unset settings.
const DefaultWorkers = 4

// WorkerSetting accepts a positive integer, "auto" (one per CPU) or "default".
type WorkerSetting struct {
	kind  workerKind
	value int
}

// Workers returns an explicit worker setting.
func Workers(n int) WorkerSetting {
	return WorkerSetting{kind: workerExplicit, value: n}
}

// UnmarshalYAML supports integer, "auto", and "default" values.
func (s *WorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = WorkerSetting{}
		return nil
	}
	text := strings.TrimSpace(node.Value)
	switch strings.ToLower(text) {
	case "":
		*s = WorkerSetting{}
		return nil
	case "auto":
		*s = WorkerSetting{kind: workerAuto}
		return nil
	case "default":
		*s = WorkerSetting{kind: workerDefault}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("workers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("workers: numeric value must be > 0")
	}
	*s = WorkerSetting{kind: workerExplicit, value: val}
	return nil
}

// MarshalYAML renders the setting in the form it was written.
func (s WorkerSetting) MarshalYAML() (any, error) {
	switch s.kind {
	case workerExplicit:
		return s.value, nil
	case workerAuto:
		return "auto", nil
	default:
		return "default", nil
	}
}

// Count returns the effective worker count.
func (s WorkerSetting) Count() int {
	switch s.kind {
	case workerExplicit:
		return s.value
	case workerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return DefaultWorkers
	default:
		return DefaultWorkers
	}
}
