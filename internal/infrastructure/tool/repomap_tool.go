package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	domaintool "github.com/jimiagent/jimi/internal/domain/tool"
	"github.com/jimiagent/jimi/internal/infrastructure/codeintel"
	"go.uber.org/zap"
)

// RepoMapTool generates an Aider-style, PageRank-ranked structural map of a
// codebase (functions, classes, interfaces) for inclusion in an LLM context
// window. Symbol extraction and importance ranking are delegated to
// internal/infrastructure/codeintel, which this tool is the sole caller of.
type RepoMapTool struct {
	logger *zap.Logger
}

func NewRepoMapTool(logger *zap.Logger) *RepoMapTool {
	return &RepoMapTool{logger: logger}
}

func (t *RepoMapTool) Name() string          { return "repo_map" }
func (t *RepoMapTool) Kind() domaintool.Kind { return domaintool.KindRead }

func (t *RepoMapTool) Description() string {
	return "Generate a PageRank-ranked structural map of a codebase showing the most " +
		"important functions, classes, and interfaces. Use this to understand a " +
		"project's architecture before editing code. For Go files it uses full AST " +
		"parsing; for Python/JS/TS/Rust it uses pattern matching."
}

func (t *RepoMapTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Root directory to scan",
			},
			"language": map[string]interface{}{
				"type":        "string",
				"description": "Filter by language: go, python, javascript, typescript, rust, all (default: all)",
			},
			"max_depth": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum directory depth to scan (default: 4, max: 8)",
			},
			"pattern": map[string]interface{}{
				"type":        "string",
				"description": "Glob pattern to filter files (e.g. '*_test.go')",
			},
			"max_tokens": map[string]interface{}{
				"type":        "integer",
				"description": "Approximate output token budget (default: 4000)",
			},
		},
		"required": []string{"path"},
	}
}

func (t *RepoMapTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	rootPath, ok := args["path"].(string)
	if !ok || rootPath == "" {
		return &Result{Success: false, Error: "path is required"}, nil
	}

	info, err := os.Stat(rootPath)
	if err != nil || !info.IsDir() {
		return &Result{Success: false, Error: fmt.Sprintf("path '%s' is not a valid directory", rootPath)}, nil
	}

	lang := "all"
	if l, ok := args["language"].(string); ok && l != "" {
		lang = strings.ToLower(l)
	}

	maxDepth := 4
	if d, ok := args["max_depth"].(float64); ok && d > 0 {
		maxDepth = int(d)
		if maxDepth > 8 {
			maxDepth = 8
		}
	}

	filterPattern := ""
	if p, ok := args["pattern"].(string); ok {
		filterPattern = p
	}

	maxTokens := 4000
	if m, ok := args["max_tokens"].(float64); ok && m > 0 {
		maxTokens = int(m)
	}

	t.logger.Info("Generating repo map",
		zap.String("path", rootPath),
		zap.String("language", lang),
		zap.Int("max_depth", maxDepth),
	)

	indexer := codeintel.NewIndexer(t.logger)
	baseDepth := strings.Count(filepath.Clean(rootPath), string(os.PathSeparator))
	filesScanned := 0

	walkErr := filepath.Walk(rootPath, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if fi.IsDir() {
			base := filepath.Base(path)
			if base != filepath.Base(rootPath) && (strings.HasPrefix(base, ".") || base == "node_modules" || base == "vendor" || base == "__pycache__") {
				return filepath.SkipDir
			}
			if path != rootPath {
				depth := strings.Count(filepath.Clean(path), string(os.PathSeparator)) - baseDepth
				if depth >= maxDepth {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if !matchLanguage(filepath.Ext(path), lang) {
			return nil
		}
		if filterPattern != "" {
			if matched, _ := filepath.Match(filterPattern, filepath.Base(path)); !matched {
				return nil
			}
		}
		if idxd, err := indexer.IndexFile(path); err == nil && idxd != nil {
			filesScanned++
		}
		return nil
	})
	if walkErr != nil {
		return &Result{Success: false, Error: fmt.Sprintf("walk error: %v", walkErr)}, nil
	}

	if filesScanned == 0 {
		return &Result{Output: "No matching source files found.", Success: true}, nil
	}

	output := codeintel.NewRepoMap(indexer, t.logger).Generate(maxTokens)

	return &Result{
		Output:  output,
		Success: true,
		Metadata: map[string]interface{}{
			"files_scanned": filesScanned,
		},
	}, nil
}

// matchLanguage checks if a file extension matches the requested language filter.
func matchLanguage(ext, lang string) bool {
	switch lang {
	case "go":
		return ext == ".go"
	case "python", "py":
		return ext == ".py"
	case "js", "javascript":
		return ext == ".js" || ext == ".jsx" || ext == ".mjs"
	case "ts", "typescript":
		return ext == ".ts" || ext == ".tsx"
	case "rust", "rs":
		return ext == ".rs"
	case "all", "":
		return ext == ".go" || ext == ".py" || ext == ".js" || ext == ".jsx" ||
			ext == ".mjs" || ext == ".ts" || ext == ".tsx" || ext == ".rs"
	default:
		return ext == "."+lang
	}
}
