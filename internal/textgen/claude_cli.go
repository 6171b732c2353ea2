package textgen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// claudeBin is a var so tests can substitute a fake CLI.
var claudeBin = "claude"

// ClaudeCLITextGen generates text through the locally authenticated Claude
// CLI: one turn, no tools, so it behaves as a plain text generator without
// an API key.
type ClaudeCLITextGen struct {
	Model string
}

func (g *ClaudeCLITextGen) Chat(ctx context.Context, system, user string) (string, error) {
	args := []string{"-p", "--output-format", "text", "--max-turns", "1"}
	if g.Model != "" {
		args = append(args, "--model", g.Model)
	}
	if system != "" {
		args = append(args, "--append-system-prompt", system)
	}

	cmd := exec.CommandContext(ctx, claudeBin, args...)
	cmd.Stdin = strings.NewReader(user)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("CLI not found: %q. Install it and ensure it is on PATH", claudeBin)
		}
		diag := strings.TrimSpace(stderr.String())
		if diag == "" {
			diag = err.Error()
		}
		return "", fmt.Errorf("claude: %s", diag)
	}
	return stdout.String(), nil
}
