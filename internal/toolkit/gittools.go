package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	llmtools "github.com/flitsinc/go-llms/tools"

	"github.com/assmoddevv/ouroboros/internal/vcs"
)

// Repo is the version-control surface self-modifying tasks get. Commits land
// on a dedicated branch; merging into the stable line stays with a human.
type Repo interface {
	EnsureBranch() error
	CommitAll(message string) (string, error)
	Push(ctx context.Context) error
	Branch() string
	Head() (string, error)
}

// RegisterGitTools installs the source-control tools backed by the given
// repository.
func RegisterGitTools(reg *Registry, repo Repo) error {
	tools := []Tool{
		commitChangesTool(repo),
		repoStatusTool(repo),
	}
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

func commitChangesTool(repo Repo) Tool {
	type params struct {
		Message string `json:"message"`
		Push    bool   `json:"push,omitempty"`
	}
	return Tool{
		Schema: llmtools.FunctionSchema{
			Name:        "commit_changes",
			Description: "Commit every change in the working tree onto the agent's working branch. A clean tree commits nothing.",
			Parameters: llmtools.ValueSchema{
				Type: "object",
				Properties: schemaProps(
					prop("message", llmtools.ValueSchema{Type: "string", Description: "Commit message describing the change"}),
					prop("push", llmtools.ValueSchema{Type: "boolean", Description: "Also push the branch to the remote"}),
				),
				Required: []string{"message"},
			},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var p params
			if err := json.Unmarshal(args, &p); err != nil {
				return nil, fmt.Errorf("bad arguments: %w", err)
			}
			if strings.TrimSpace(p.Message) == "" {
				return nil, fmt.Errorf("message is required")
			}
			if err := repo.EnsureBranch(); err != nil {
				return nil, err
			}
			hash, err := repo.CommitAll(p.Message)
			if errors.Is(err, vcs.ErrNoChanges) {
				return map[string]any{"committed": false, "reason": "working tree is clean"}, nil
			}
			if err != nil {
				return nil, err
			}
			resp := map[string]any{"committed": true, "commit": hash, "branch": repo.Branch()}
			if p.Push {
				if err := repo.Push(ctx); err != nil {
					resp["pushed"] = false
					resp["push_error"] = err.Error()
					return resp, nil
				}
				resp["pushed"] = true
			}
			return resp, nil
		},
	}
}

func repoStatusTool(repo Repo) Tool {
	return Tool{
		Schema: llmtools.FunctionSchema{
			Name:        "repo_status",
			Description: "Report the repository's current branch and commit.",
			Parameters: llmtools.ValueSchema{
				Type:       "object",
				Properties: schemaProps(),
			},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			head, err := repo.Head()
			if err != nil {
				return nil, err
			}
			return map[string]any{"branch": repo.Branch(), "commit": head}, nil
		},
	}
}
