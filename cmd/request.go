package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/s0up4200/kbq/kb"
)

var (
	requestMethod  string
	requestData    string
	requestHeaders []string
)

// requestCmd represents the request command
var requestCmd = &cobra.Command{
	Use:   "request <endpoint>",
	Short: "Send a request and print the JSON response",
	Long: `Send a single request to an endpoint relative to the base URL and print
the decoded JSON body. Timeouts, network failures and 5xx responses are
retried with linear backoff.

Use -d @file to read the body from a file, or -d @- to read it from stdin.`,
	Args:    cobra.ExactArgs(1),
	PreRunE: initializeApp,
	RunE:    runRequest,
}

func init() {
	rootCmd.AddCommand(requestCmd)
	addRequestFlags(requestCmd)
}

func addRequestFlags(c *cobra.Command) {
	c.Flags().StringVarP(&requestMethod, "method", "X", "", "HTTP method (default GET, or POST with a body)")
	c.Flags().StringVarP(&requestData, "data", "d", "", "request body, @file or @- for stdin")
	c.Flags().StringArrayVarP(&requestHeaders, "header", "H", nil, `extra header as "Name: value" (repeatable)`)
}

func runRequest(cmd *cobra.Command, args []string) error {
	opts, err := requestOptions(cmd.InOrStdin())
	if err != nil {
		return err
	}

	resp, err := client.Request(cmd.Context(), args[0], opts)
	if err != nil {
		return err
	}

	logger.Debug().Int("status", resp.StatusCode).Msg("Request succeeded")

	if len(resp.Data) == 0 {
		return nil
	}
	return printJSON(cmd.OutOrStdout(), resp.Data)
}

// requestOptions assembles kb.RequestOptions from the request flags
func requestOptions(stdin io.Reader) (kb.RequestOptions, error) {
	headers, err := parseHeaders(requestHeaders)
	if err != nil {
		return kb.RequestOptions{}, err
	}

	body, err := readBody(requestData, stdin)
	if err != nil {
		return kb.RequestOptions{}, err
	}

	method := strings.ToUpper(requestMethod)
	if method == "" && body != nil {
		method = "POST"
	}

	return kb.RequestOptions{
		Method:  method,
		Body:    body,
		Headers: headers,
	}, nil
}

// parseHeaders turns "Name: value" pairs into a header map. Later
// duplicates win.
func parseHeaders(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}

	headers := make(map[string]string, len(values))
	for _, v := range values {
		name, value, ok := strings.Cut(v, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q (expected \"Name: value\")", v)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}

// readBody resolves the --data flag. "" means no body.
func readBody(data string, stdin io.Reader) ([]byte, error) {
	switch {
	case data == "":
		return nil, nil
	case data == "@-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read body from stdin: %w", err)
		}
		return b, nil
	case strings.HasPrefix(data, "@"):
		b, err := os.ReadFile(data[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
		return b, nil
	default:
		return []byte(data), nil
	}
}

// printJSON writes v as indented JSON followed by a newline
func printJSON(w io.Writer, v any) error {
	if raw, ok := v.(json.RawMessage); ok {
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return fmt.Errorf("failed to format response: %w", err)
		}
		buf.WriteByte('\n')
		_, err := buf.WriteTo(w)
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to format response: %w", err)
	}
	return nil
}
