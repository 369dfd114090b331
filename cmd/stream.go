package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// streamCmd represents the stream command
var streamCmd = &cobra.Command{
	Use:   "stream <endpoint>",
	Short: "Stream a response body to stdout as it arrives",
	Long: `Open a streaming request and copy decoded text chunks to stdout as they
are read. Failures before the first byte are retried like any request.

A transient failure mid-stream restarts the whole request from the top,
so output already printed may be printed again. A warning is logged when
that happened.

When a config file is in use, edits to auth.session_token are applied to
the running stream's future requests.`,
	Args:    cobra.ExactArgs(1),
	PreRunE: initializeApp,
	RunE:    runStream,
}

func init() {
	rootCmd.AddCommand(streamCmd)
	addRequestFlags(streamCmd)
}

func runStream(cmd *cobra.Command, args []string) error {
	opts, err := requestOptions(cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg.WatchSessionToken(logger, client.UpdateSessionToken)

	s, err := client.Stream(ctx, args[0], opts)
	if err != nil {
		return err
	}
	defer s.Close()

	err = copyStream(cmd.OutOrStdout(), s)

	if n := s.Restarts(); n > 0 {
		logger.Warn().Int("restarts", n).Msg("Stream restarted; earlier output may be duplicated")
	}

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Info().Msg("Stream interrupted")
		return nil
	}
	return err
}

// chunkReader is the part of kb.Stream that copyStream needs
type chunkReader interface {
	Recv() (string, error)
}

// copyStream writes every chunk to w until the stream ends
func copyStream(w io.Writer, s chunkReader) error {
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, chunk); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}
}
