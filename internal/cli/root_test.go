package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/iambrandonn/runjoin/internal/config"
	"github.com/iambrandonn/runjoin/internal/ndjson"
	"github.com/iambrandonn/runjoin/internal/protocol"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// testWorkerEnv makes the test binary act as the runjoin binary, so fanout
// can re-execute it as worker processes
const testWorkerEnv = "RUNJOIN_CLI_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(testWorkerEnv) == "1" {
		if err := Execute(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	workerEnv = map[string]string{testWorkerEnv: "1"}
	os.Exit(m.Run())
}

func TestRootCommandSubcommands(t *testing.T) {
	root := NewRootCommand()

	for _, name := range []string{"worker", "fanout", "inspect"} {
		sub, _, err := root.Find([]string{name})
		require.NoError(t, err)
		require.Equal(t, name, sub.Name())
	}

	configFlag := lookupFlag(root, "config")
	require.NotNil(t, configFlag, "root command should expose the --config flag")
	require.Equal(t, "c", configFlag.Shorthand, "root config flag shorthand mismatch")
	require.NotNil(t, lookupFlag(root, "verbose"))
}

func TestWorkerFlagsInheritConfig(t *testing.T) {
	root := NewRootCommand()
	worker, _, err := root.Find([]string{"worker"})
	require.NoError(t, err)

	require.NotNil(t, worker.InheritedFlags().Lookup("config"))
	for _, name := range []string{"run-id", "name", "suite", "step", "attach", "step-delay", "async"} {
		require.NotNil(t, lookupFlag(worker, name), "worker should expose --%s", name)
	}
}

func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if flag := cmd.Flags().Lookup(name); flag != nil {
		return flag
	}
	return cmd.PersistentFlags().Lookup(name)
}

// execute runs one command tree with captured output
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

// writeTestConfig saves a config with fast coordination timings into dir
func writeTestConfig(t *testing.T, dir string, mutate func(*config.Config)) string {
	t.Helper()

	cfg := config.GenerateDefault()
	cfg.Coordination.PollIntervalMs = 20
	cfg.Coordination.JoinTimeoutMs = 5000
	cfg.Lock.RetryIntervalMs = 5
	cfg.Lock.WaitTimeoutMs = 2000
	if mutate != nil {
		mutate(cfg)
	}

	path := filepath.Join(dir, "runjoin.json")
	require.NoError(t, cfg.SaveToFile(path))
	return path
}

// parseSummaries decodes the summary lines printed on stdout
func parseSummaries(t *testing.T, stdout string) []*protocol.Summary {
	t.Helper()

	dec := ndjson.NewDecoder(strings.NewReader(stdout), testLogger())
	var out []*protocol.Summary
	for {
		msg, err := dec.DecodeEnvelope()
		if err != nil {
			break
		}
		sum, ok := msg.(*protocol.Summary)
		require.True(t, ok, "unexpected stdout line %T", msg)
		out = append(out, sum)
	}
	return out
}
