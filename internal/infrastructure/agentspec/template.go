package agentspec

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// builtinParams computes the engine's four built-in `${KIMI_*}` template
// parameters (spec.md §6): current timestamp, absolute working directory, a
// shallow directory listing, and the concatenation of any AGENTS.md files
// found walking up from workDir to the filesystem root.
func builtinParams(workDir string) (map[string]string, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("agentspec: resolve work dir %s: %w", workDir, err)
	}
	return map[string]string{
		"KIMI_NOW":         time.Now().Format(time.RFC3339),
		"KIMI_WORK_DIR":    abs,
		"KIMI_WORK_DIR_LS": directoryListing(abs),
		"KIMI_AGENTS_MD":   collectAgentsMD(abs),
	}, nil
}

// directoryListing runs the platform-appropriate shallow listing command
// (spec.md §4.6: "a shallow directory listing obtained by running the
// platform-appropriate ls/dir command"). A failure yields an empty string
// rather than aborting prompt assembly — the listing is informational.
func directoryListing(dir string) string {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("cmd", "/C", "dir", "/B", dir)
	} else {
		cmd = exec.Command("ls", "-1", dir)
	}
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(out), "\n")
}

// collectAgentsMD walks up from dir to the filesystem root, concatenating
// the content of every AGENTS.md found, nearest-first.
func collectAgentsMD(dir string) string {
	var parts []string
	cur := dir
	for {
		candidate := filepath.Join(cur, "AGENTS.md")
		if data, err := os.ReadFile(candidate); err == nil {
			parts = append(parts, string(data))
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	return strings.Join(parts, "\n\n")
}

// RenderSystemPrompt reads spec's system prompt file and substitutes
// `${NAME}` placeholders using the built-in KIMI_* parameters plus the
// spec's own system_prompt_args, child args taking precedence over a
// same-named built-in. Unresolved placeholders are left as-is (spec.md
// §4.6: "not an error").
func RenderSystemPrompt(spec *Spec, workDir string) (string, error) {
	if spec.SystemPromptPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(spec.SystemPromptPath)
	if err != nil {
		return "", fmt.Errorf("agentspec: read system prompt %s: %w", spec.SystemPromptPath, err)
	}

	builtins, err := builtinParams(workDir)
	if err != nil {
		return "", err
	}
	params := make(map[string]string, len(builtins)+len(spec.PromptParams))
	for k, v := range builtins {
		params[k] = v
	}
	for k, v := range spec.PromptParams {
		params[k] = v
	}

	return interpolate(string(data), params), nil
}

// interpolate substitutes every `${NAME}` occurrence found in params;
// placeholders with no matching key are left untouched.
func interpolate(tmpl string, params map[string]string) string {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		start := strings.Index(tmpl[i:], "${")
		if start < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		start += i
		b.WriteString(tmpl[i:start])
		end := strings.Index(tmpl[start:], "}")
		if end < 0 {
			b.WriteString(tmpl[start:])
			break
		}
		end += start
		name := tmpl[start+2 : end]
		if val, ok := params[name]; ok {
			b.WriteString(val)
		} else {
			b.WriteString(tmpl[start : end+1])
		}
		i = end + 1
	}
	return b.String()
}
