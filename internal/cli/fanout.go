package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/iambrandonn/runjoin/internal/ndjson"
	"github.com/iambrandonn/runjoin/internal/protocol"
	"github.com/iambrandonn/runjoin/internal/supervisor"
	"github.com/iambrandonn/runjoin/internal/transcript"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// workerExecutable and workerEnv locate the binary fanout re-executes as
// worker processes. Tests point them at the test binary.
var (
	workerExecutable = os.Executable
	workerEnv        map[string]string
)

func newFanoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fanout [flags] -- [worker flags]",
		Short: "Run several workers that share one run",
		Long: `Spawn N worker processes of this binary proposing the same run identifier,
supervise them and print each worker's summary line in worker order.

Flags after -- are passed to every worker.`,
		RunE: runFanout,
	}

	cmd.Flags().IntP("instances", "n", 2, "Number of worker processes")
	cmd.Flags().String("run-id", "", "Run identifier proposed by every worker (default: random)")
	cmd.Flags().Bool("text", false, "Print summaries as text instead of NDJSON")

	return cmd
}

func runFanout(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	n, _ := cmd.Flags().GetInt("instances")
	if n < 1 {
		return fmt.Errorf("--instances must be at least 1, got %d", n)
	}
	runID, _ := cmd.Flags().GetString("run-id")
	if runID == "" {
		runID = uuid.NewString()
	}
	cfgPath, _ := cmd.Flags().GetString("config")

	exe, err := workerExecutable()
	if err != nil {
		return fmt.Errorf("failed to locate worker executable: %w", err)
	}
	command := append([]string{exe}, workerArgs(cfgPath, runID, args)...)

	stderr := &lockedWriter{w: cmd.ErrOrStderr()}
	summaries := make([]*protocol.Summary, n)

	logger.Info("starting workers", "run_id", runID, "instances", n)

	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		sup := supervisor.NewWorkerSupervisor(supervisor.Options{
			Name:    fmt.Sprintf("worker-%d", i),
			Command: command,
			Env:     workerEnv,
			Stderr:  stderr,
		}, logger)

		g.Go(func() error {
			if err := sup.Start(gctx); err != nil {
				return err
			}
			sum, err := sup.Wait(gctx)
			summaries[i] = sum
			return err
		})
	}
	waitErr := g.Wait()

	asText, _ := cmd.Flags().GetBool("text")
	formatter := transcript.NewFormatter()
	enc := ndjson.NewEncoder(cmd.OutOrStdout(), logger)
	roles := make(map[string]int)
	for i, sum := range summaries {
		if sum == nil {
			continue
		}
		roles[sum.Role]++
		if asText {
			fmt.Fprintf(cmd.OutOrStdout(), "worker-%d %s\n", i, formatter.FormatSummary(sum))
			continue
		}
		if err := enc.Encode(sum); err != nil {
			return err
		}
	}

	if waitErr != nil {
		return fmt.Errorf("fanout failed: %w", waitErr)
	}

	logger.Info("workers finished",
		"run_id", runID,
		"primary", roles["primary"],
		"secondary", roles["secondary"],
		"standalone", roles["standalone"])
	return nil
}

// lockedWriter serializes writes from concurrent workers
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
