//go:build integration

package integration

import (
	"bytes"
	"os"
	"os/exec"
	"strings"
	"testing"
)

// Environment for the live router suite.
const (
	liveURLEnv      = "LLM_ROUTER_TEST_URL"
	liveGRPCEnv     = "LLM_ROUTER_TEST_GRPC_ADDR"
	liveKeyEnv      = "LLM_ROUTER_TEST_API_KEY"
	liveModelEnv    = "LLM_ROUTER_TEST_MODEL"
	skipLiveEnv     = "LLM_ROUTER_SKIP_INTEGRATION"
	testMasterKey   = "integration-master-key"
	masterKeyEnvVar = "LLM_ROUTER_MASTER_KEY"
)

// isCI returns true if running in a CI environment.
func isCI() bool {
	ciVars := []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "CIRCLECI", "TRAVIS", "JENKINS_URL"}
	for _, v := range ciVars {
		if os.Getenv(v) != "" {
			return true
		}
	}
	return false
}

// liveURL returns the live router URL or skips. In CI a missing URL
// fails loudly unless LLM_ROUTER_SKIP_INTEGRATION is set.
func liveURL(t *testing.T) string {
	t.Helper()
	u := os.Getenv(liveURLEnv)
	if u != "" {
		return u
	}
	if isCI() && os.Getenv(skipLiveEnv) == "" {
		t.Fatalf("%s not set (CI environment detected; set %s=1 to skip)", liveURLEnv, skipLiveEnv)
	}
	t.Skipf("%s not set", liveURLEnv)
	return ""
}

type cliResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// cli runs the binary with an isolated HOME so no user config or
// keystore leaks into the test.
type cli struct {
	home string
	env  []string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	return &cli{home: t.TempDir()}
}

func (c *cli) setenv(k, v string) {
	c.env = append(c.env, k+"="+v)
}

func (c *cli) run(t *testing.T, args ...string) cliResult {
	t.Helper()
	return c.runWithStdin(t, "", args...)
}

func (c *cli) runWithStdin(t *testing.T, stdin string, args ...string) cliResult {
	t.Helper()

	if cliBinary == "" {
		t.Fatal("CLI binary not built - TestMain may not have run")
	}

	cmd := exec.Command(cliBinary, args...)
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Env = append(filteredEnv(), "HOME="+c.home, "USERPROFILE="+c.home, masterKeyEnvVar+"="+testMasterKey)
	cmd.Env = append(cmd.Env, c.env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			t.Fatalf("Failed to run CLI: %v", err)
		}
	}

	return cliResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}
}

// filteredEnv drops variables that would change CLI behavior.
func filteredEnv() []string {
	var out []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "LLM_ROUTER_") || strings.HasPrefix(kv, "HOME=") || strings.HasPrefix(kv, "USERPROFILE=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
