package provider

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/dmdmdm-nz/reachd/internal/reach"
)

// scutilExecutor runs 'scutil -r' for a host and returns its output.
type scutilExecutor func(ctx context.Context, host string) ([]byte, error)

func runSCUtilReach(ctx context.Context, host string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "/usr/sbin/scutil", "-r", host)
	return cmd.CombinedOutput()
}

func scutilLookup(ctx context.Context, host string, run scutilExecutor) (reach.Flags, error) {
	output, err := run(ctx, host)
	if err != nil {
		return 0, errors.Wrapf(err, "scutil -r %s", host)
	}
	return parseSCUtilReach(output), nil
}

// parseSCUtilReach reads either the flag names line ("Reachable,WWAN") or,
// when scutil prints it, the raw "Flags = 0x..." value, which wins.
func parseSCUtilReach(output []byte) reach.Flags {
	var named reach.Flags
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			named |= reach.ParseFlags(line)
			continue
		}
		if strings.TrimSpace(key) != "Flags" {
			continue
		}
		value = strings.TrimSpace(value)
		raw, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 32)
		if err == nil {
			return reach.Flags(raw)
		}
	}
	return named
}
