package engine

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/gookit/color"
	"github.com/mattn/go-isatty"
)

// PagerInspector shows the package's descriptor in the user's pager and
// asks for approval. Descriptors are arbitrary shell run with the
// caller's privileges, so the default is to look before running.
func PagerInspector(ctx context.Context, name, descriptorPath string) (bool, error) {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return false, fmt.Errorf("cannot prompt to review %s without a terminal; rerun with --trust-all", name)
	}

	pager := os.Getenv("PAGER")
	if pager == "" {
		pager = "less"
	}
	cmd := exec.CommandContext(ctx, pager, descriptorPath)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return false, fmt.Errorf("running pager %s: %w", pager, err)
	}

	color.Warn.Printf("Build and install %s with the scripts shown? [y/N] ", name)
	reply, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, err
	}
	reply = strings.ToLower(strings.TrimSpace(reply))
	return reply == "y" || reply == "yes", nil
}
