package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/s0up4200/kbq/kb"
	"github.com/s0up4200/kbq/projection"
)

var (
	querySQL    []string
	querySelect string

	compiler = projection.NewCompiler(projection.WithCache(32))
)

// queryCmd represents the query command
var queryCmd = &cobra.Command{
	Use:   "query [sql...]",
	Short: "Run SQL against a knowledge base",
	Long: `Run one or more SQL statements against a knowledge base and print each
result as JSON. The organization and knowledge base come from --org-id and
--kb-id (or query.org_id and query.kb_id in config).

Multiple statements run concurrently; a failing statement does not stop
the others.

--select evaluates an expression over each result before printing. The
expression sees the body as data and the HTTP status as statusCode:

  kbq query "SELECT name FROM docs" --select 'pluck(data.rows, "name")'`,
	PreRunE: initializeApp,
	RunE:    runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)

	queryCmd.Flags().StringArrayVar(&querySQL, "sql", nil, "SQL statement (repeatable)")
	queryCmd.Flags().StringVarP(&querySelect, "select", "s", "", "expression applied to each result")
}

func runQuery(cmd *cobra.Command, args []string) error {
	statements := append(append([]string{}, querySQL...), args...)
	if len(statements) == 0 {
		return fmt.Errorf("no SQL given (pass it as an argument or with --sql)")
	}

	var program *projection.Program
	if querySelect != "" {
		var err error
		program, err = compiler.Compile(querySelect)
		if err != nil {
			return fmt.Errorf("invalid --select expression: %w", err)
		}
		stats := compiler.Stats()
		logger.Debug().
			Str("expression", program.Expression()).
			Int("cached", stats.Entries).
			Uint64("hits", stats.Hits).
			Uint64("misses", stats.Misses).
			Msg("Projection ready")
	}

	out := cmd.OutOrStdout()

	if len(statements) == 1 {
		resp, err := client.Query(cmd.Context(), kb.QueryParams{SQL: statements[0]})
		if err != nil {
			return err
		}
		return printResult(out, program, resp)
	}

	params := make([]kb.QueryParams, len(statements))
	for i, sql := range statements {
		params[i] = kb.QueryParams{SQL: sql}
	}

	batch := client.QueryBatch(cmd.Context(), params)

	for i, resp := range batch.Results {
		if resp == nil {
			continue
		}
		if err := printResult(out, program, resp); err != nil {
			return fmt.Errorf("query %d: %w", i, err)
		}
	}

	for _, qe := range batch.Failed {
		logger.Error().Err(qe.Err).Int("index", qe.Index).Str("sql", qe.SQL).Msg("Query failed")
	}

	if n := len(batch.Failed); n > 0 {
		// surface the first failure so config errors keep their exit code
		return fmt.Errorf("%d of %d queries failed: %w", n, batch.Requested, batch.Failed[0].Err)
	}
	return nil
}

// printResult prints a query result, projected through program when set
func printResult(w io.Writer, program *projection.Program, resp *kb.Response[kb.QueryResult]) error {
	if program == nil {
		return printJSON(w, resp.Data)
	}

	value, err := program.Run(map[string]any(resp.Data), resp.StatusCode)
	if err != nil {
		return err
	}
	return printJSON(w, value)
}
