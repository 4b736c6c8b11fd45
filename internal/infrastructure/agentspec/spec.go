// Package agentspec implements the Agent Loader (spec.md §4.6): parsing
// YAML agent spec files into resolved specs, following `extend:` inheritance
// chains and deep-merging parent/child fields.
package agentspec

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// RawSpec is the on-disk YAML shape (spec.md §6).
type RawSpec struct {
	Version int      `yaml:"version"`
	Agent   RawAgent `yaml:"agent"`
}

// RawAgent is the `agent:` block before inheritance resolution.
type RawAgent struct {
	Extend           string                  `yaml:"extend,omitempty"`
	Name             string                  `yaml:"name,omitempty"`
	SystemPromptPath string                  `yaml:"system_prompt_path,omitempty"`
	SystemPromptArgs map[string]string       `yaml:"system_prompt_args,omitempty"`
	Tools            []string                `yaml:"tools,omitempty"`
	ExcludeTools     []string                `yaml:"exclude_tools,omitempty"`
	Subagents        map[string]RawSubagent  `yaml:"subagents,omitempty"`
}

// RawSubagent is one entry of the `subagents:` table.
type RawSubagent struct {
	Path        string `yaml:"path"`
	Description string `yaml:"description,omitempty"`
}

// Spec is the resolved agent spec (spec.md line 39): name, absolute
// system-prompt path, template parameters, ordered allowed tool names,
// excluded tool names, and a sub-agent table of already-resolved Specs.
type Spec struct {
	Name             string
	SystemPromptPath string
	PromptParams     map[string]string
	Tools            []string
	ExcludeTools     []string
	Subagents        map[string]*Spec
}

// finalTools applies ExcludeTools to Tools, last, as spec.md §4.6 mandates.
func (s *Spec) finalTools() []string {
	if len(s.ExcludeTools) == 0 {
		return s.Tools
	}
	excluded := make(map[string]struct{}, len(s.ExcludeTools))
	for _, t := range s.ExcludeTools {
		excluded[t] = struct{}{}
	}
	out := make([]string, 0, len(s.Tools))
	for _, t := range s.Tools {
		if _, skip := excluded[t]; skip {
			continue
		}
		out = append(out, t)
	}
	return out
}

// AllowedTools returns the final tool list with ExcludeTools already applied.
func (s *Spec) AllowedTools() []string {
	return s.finalTools()
}

// Load parses the spec file at path, resolving its `extend:` chain (if any)
// and every entry in its `subagents:` table, recursively.
func Load(path string) (*Spec, error) {
	return load(path, make(map[string]bool))
}

// load is Load with a visited-path set guarding against extend/subagent cycles.
func load(path string, visiting map[string]bool) (*Spec, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("agentspec: resolve path %s: %w", path, err)
	}
	if visiting[abs] {
		return nil, fmt.Errorf("agentspec: cycle detected loading %s", abs)
	}
	visiting[abs] = true
	defer delete(visiting, abs)

	merged, subagentBase, err := resolveChain(abs)
	if err != nil {
		return nil, err
	}

	spec := &Spec{
		Name:         merged.Name,
		PromptParams: merged.SystemPromptArgs,
		Tools:        merged.Tools,
		ExcludeTools: merged.ExcludeTools,
		Subagents:    make(map[string]*Spec, len(merged.Subagents)),
	}
	if merged.SystemPromptPath != "" {
		spec.SystemPromptPath = resolveRelative(subagentBase, merged.SystemPromptPath)
	}

	for name, ref := range merged.Subagents {
		subPath := resolveRelative(subagentBase, ref.Path)
		sub, err := load(subPath, visiting)
		if err != nil {
			return nil, fmt.Errorf("agentspec: load subagent %q: %w", name, err)
		}
		spec.Subagents[name] = sub
	}

	return spec, nil
}

// resolveChain walks the `extend:` pointers starting at abs, collecting the
// chain from root ancestor to leaf, then folds it into one RawAgent by
// repeated deep-merge (each child overriding the accumulated parent).
// Each file's system_prompt_path and subagent paths are made absolute
// against that file's own directory before merging, so a path inherited
// from a parent resolves relative to the parent. It returns the merged
// agent and the leaf path.
func resolveChain(leafPath string) (RawAgent, string, error) {
	type link struct {
		path string
		raw  RawAgent
	}
	var chain []link
	visited := make(map[string]bool)

	path := leafPath
	for path != "" {
		if visited[path] {
			return RawAgent{}, "", fmt.Errorf("agentspec: extend cycle at %s", path)
		}
		visited[path] = true

		raw, err := readRaw(path)
		if err != nil {
			return RawAgent{}, "", err
		}
		// Resolve this file's own relative paths against its directory
		// before merging.
		agent := raw.Agent
		if agent.SystemPromptPath != "" {
			agent.SystemPromptPath = resolveRelative(path, agent.SystemPromptPath)
		}
		for name, sub := range agent.Subagents {
			sub.Path = resolveRelative(path, sub.Path)
			agent.Subagents[name] = sub
		}
		chain = append(chain, link{path: path, raw: agent})

		if raw.Agent.Extend == "" {
			break
		}
		path = resolveRelative(path, raw.Agent.Extend)
	}

	// Fold from the root ancestor (last in chain) down to the leaf (first).
	merged := chain[len(chain)-1].raw
	for i := len(chain) - 2; i >= 0; i-- {
		merged = mergeAgent(merged, chain[i].raw)
	}
	return merged, leafPath, nil
}

func readRaw(path string) (*RawSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agentspec: read %s: %w", path, err)
	}
	var raw RawSpec
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("agentspec: parse %s: %w", path, err)
	}
	return &raw, nil
}

func resolveRelative(fromFile, target string) string {
	if filepath.IsAbs(target) {
		return target
	}
	return filepath.Join(filepath.Dir(fromFile), target)
}

// mergeAgent deep-merges parent and child RawAgent blocks: scalar fields
// are overridden by the child when non-empty; Tools/ExcludeTools are
// replaced wholesale (not concatenated) when the child sets them;
// Subagents is merged key-wise with child precedence (spec.md §4.6).
func mergeAgent(parent, child RawAgent) RawAgent {
	out := parent
	out.Extend = "" // already resolved, never propagated further
	if child.Name != "" {
		out.Name = child.Name
	}
	if child.SystemPromptPath != "" {
		out.SystemPromptPath = child.SystemPromptPath
	}
	if child.SystemPromptArgs != nil {
		args := make(map[string]string, len(parent.SystemPromptArgs)+len(child.SystemPromptArgs))
		for k, v := range parent.SystemPromptArgs {
			args[k] = v
		}
		for k, v := range child.SystemPromptArgs {
			args[k] = v
		}
		out.SystemPromptArgs = args
	}
	if child.Tools != nil {
		out.Tools = child.Tools
	}
	if child.ExcludeTools != nil {
		out.ExcludeTools = child.ExcludeTools
	}
	if child.Subagents != nil {
		subs := make(map[string]RawSubagent, len(parent.Subagents)+len(child.Subagents))
		for k, v := range parent.Subagents {
			subs[k] = v
		}
		for k, v := range child.Subagents {
			subs[k] = v
		}
		out.Subagents = subs
	}
	return out
}
