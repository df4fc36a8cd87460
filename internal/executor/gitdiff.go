package executor

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// gitDiffTimeout bounds the post-run diff capture. The diff is advisory;
// a slow or absent git must not delay posting the response.
const gitDiffTimeout = 5 * time.Second

// gitDiffStat returns `git diff --stat` for the project directory, or ""
// when the directory is not a repo, the diff is empty, or git fails.
func gitDiffStat(dir string) string {
	ctx, cancel := context.WithTimeout(context.Background(), gitDiffTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "-C", dir, "diff", "--stat")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
