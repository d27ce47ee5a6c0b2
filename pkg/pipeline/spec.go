// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline implements the orchestrator core described in spec.md:
// the pipeline declaration loader, the stage state machine, the run
// orchestrator, and the atomic persistence of every artifact those
// components produce.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	pipelineerrors "github.com/kraklabs/pipeline-runner/internal/errors"
)

// stageNamePattern is the invariant from spec.md §3: stage names match
// ^[A-Za-z0-9_\-]+$.
var stageNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// PipelineSpec is the immutable, validated pipeline declaration (spec.md
// §3, §6).
type PipelineSpec struct {
	Name    string
	Version string
	Stages  []StageSpec

	// root is the directory the pipeline declaration was loaded from — the
	// "pipeline root" the Executor uses as its working directory (spec.md
	// §4.6) and against which relative processor/input/output paths
	// resolve.
	root string
}

// Root returns the pipeline's root directory.
func (p PipelineSpec) Root() string { return p.root }

// RetryPolicy mirrors the optional per-stage retry block in spec.md §6.
type RetryPolicy struct {
	MaxAttempts int     `json:"maxAttempts"`
	BaseDelay   float64 `json:"baseDelay"`
	Jitter      float64 `json:"jitter"`
}

// StageSpec is a single stage's declaration (spec.md §3).
type StageSpec struct {
	Name          string         `json:"name"`
	ProcessorPath string         `json:"processor"`
	Inputs        []string       `json:"inputs"`
	OutputDir     string         `json:"outputDir"`
	Params        map[string]any `json:"params"`

	IdempotencyEnabled bool `json:"-"`
	CheckpointEnabled  bool `json:"-"`
	LineInterval       int  `json:"-"`

	Retry *RetryPolicy `json:"-"`
}

// stageSpecJSON is the wire shape of a stage in the pipeline declaration
// (spec.md §6), kept separate from StageSpec so the nested idempotency/
// checkpoint/retry blocks can be flattened onto StageSpec after decode.
type stageSpecJSON struct {
	Name          string         `json:"name"`
	ProcessorPath string         `json:"processor"`
	Inputs        []string       `json:"inputs"`
	OutputDir     string         `json:"outputDir"`
	Params        map[string]any `json:"params"`

	Idempotency *struct {
		Enabled bool `json:"enabled"`
	} `json:"idempotency"`

	Checkpoint *struct {
		Enabled      bool `json:"enabled"`
		LineInterval int  `json:"lineInterval"`
	} `json:"checkpoint"`

	Retry *RetryPolicy `json:"retry"`
}

// pipelineSpecJSON is the wire shape of the whole declaration (spec.md §6).
type pipelineSpecJSON struct {
	Name    string          `json:"name"`
	Version string          `json:"version"`
	Stages  []stageSpecJSON `json:"stages"`
}

// LoadSpec reads, decodes, and validates the pipeline declaration at path,
// implementing the Spec Loader & Validator contract (spec.md §4.1).
func LoadSpec(path string) (*PipelineSpec, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is explicit CLI input
	if err != nil {
		return nil, pipelineerrors.NewSpecError(
			"Cannot read pipeline declaration",
			err.Error(),
			"Check that --pipeline points at an existing, readable file",
			err,
		)
	}

	var raw pipelineSpecJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, pipelineerrors.NewSpecError(
			"Pipeline declaration is not valid JSON",
			err.Error(),
			"",
			err,
		)
	}

	root := filepath.Dir(path)
	spec, err := validate(raw, root)
	if err != nil {
		return nil, err
	}
	return spec, nil
}

func validate(raw pipelineSpecJSON, root string) (*PipelineSpec, error) {
	if raw.Name == "" {
		return nil, pipelineerrors.NewSpecError("Invalid pipeline declaration", "missing required field \"name\"", "", nil)
	}
	if len(raw.Stages) == 0 {
		return nil, pipelineerrors.NewSpecError("Invalid pipeline declaration", "missing required field \"stages\" (must be non-empty)", "", nil)
	}

	seen := make(map[string]bool, len(raw.Stages))
	stages := make([]StageSpec, 0, len(raw.Stages))

	for i, s := range raw.Stages {
		if s.Name == "" {
			return nil, pipelineerrors.NewSpecError("Invalid pipeline declaration", fmt.Sprintf("stage[%d]: missing required field \"name\"", i), "", nil)
		}
		if !stageNamePattern.MatchString(s.Name) {
			return nil, pipelineerrors.NewSpecError("Invalid pipeline declaration", fmt.Sprintf("stage %q: name must match ^[A-Za-z0-9_-]+$", s.Name), "", nil)
		}
		if seen[s.Name] {
			return nil, pipelineerrors.NewSpecError("Invalid pipeline declaration", fmt.Sprintf("duplicate stage name %q", s.Name), "", nil)
		}
		seen[s.Name] = true

		if s.ProcessorPath == "" {
			return nil, pipelineerrors.NewSpecError("Invalid pipeline declaration", fmt.Sprintf("stage %q: missing required field \"processor\"", s.Name), "", nil)
		}
		if s.Inputs == nil {
			return nil, pipelineerrors.NewSpecError("Invalid pipeline declaration", fmt.Sprintf("stage %q: missing required field \"inputs\"", s.Name), "", nil)
		}
		if s.OutputDir == "" {
			return nil, pipelineerrors.NewSpecError("Invalid pipeline declaration", fmt.Sprintf("stage %q: missing required field \"outputDir\"", s.Name), "", nil)
		}

		processorPath := resolvePath(root, s.ProcessorPath)
		if _, err := os.Stat(processorPath); err != nil {
			return nil, pipelineerrors.NewSpecError(
				"Invalid pipeline declaration",
				fmt.Sprintf("stage %q: processor %q does not resolve to an existing file", s.Name, s.ProcessorPath),
				"Input paths may be produced by earlier stages and are not checked here, but the processor itself must exist at load time",
				err,
			)
		}

		stage := StageSpec{
			Name:          s.Name,
			ProcessorPath: processorPath,
			Inputs:        resolvePaths(root, s.Inputs),
			OutputDir:     resolvePath(root, s.OutputDir),
			Params:        s.Params,
			Retry:         s.Retry,
		}
		if s.Idempotency != nil {
			stage.IdempotencyEnabled = s.Idempotency.Enabled
		}
		if s.Checkpoint != nil {
			stage.CheckpointEnabled = s.Checkpoint.Enabled
			stage.LineInterval = s.Checkpoint.LineInterval
		}

		stages = append(stages, stage)
	}

	return &PipelineSpec{Name: raw.Name, Version: raw.Version, Stages: stages, root: root}, nil
}

func resolvePath(root, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Clean(filepath.Join(root, p))
}

func resolvePaths(root string, ps []string) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = resolvePath(root, p)
	}
	return out
}
