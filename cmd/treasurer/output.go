package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/brojonat/treasurer/client"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// getClient builds an API client from the global flags.
func getClient(c *cli.Context) (*client.Client, error) {
	serverURL := c.String("server-url")
	if serverURL == "" {
		return nil, fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
	}

	// Only errors to stderr
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	var httpClient *http.Client
	if timeout := c.Duration("timeout"); timeout > 0 {
		httpClient = &http.Client{Timeout: timeout}
	}
	return client.NewClient(serverURL, httpClient, logger), nil
}

// render writes v as JSON when --json or --jq is set and falls back to the
// human-readable printer otherwise.
func render(c *cli.Context, v any, human func(w io.Writer)) error {
	w := c.App.Writer
	if w == nil {
		w = os.Stdout
	}

	if filter := c.String("jq"); filter != "" {
		return applyJQ(w, filter, v)
	}
	if c.Bool("json") {
		return writeIndented(w, v)
	}
	human(w)
	return nil
}

// applyJQ runs filter over the JSON form of v and prints every result.
// String results are printed raw, everything else as indented JSON.
func applyJQ(w io.Writer, filter string, v any) error {
	query, err := gojq.Parse(filter)
	if err != nil {
		return fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
	}

	// gojq only understands plain maps, slices and scalars
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return fmt.Errorf("failed to decode output: %w", err)
	}

	iter := code.Run(input)
	for {
		result, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := result.(error); isErr {
			return fmt.Errorf("jq filter %q failed: %w", filter, err)
		}
		if s, isString := result.(string); isString {
			fmt.Fprintln(w, s)
			continue
		}
		if err := writeIndented(w, result); err != nil {
			return err
		}
	}
}

func writeIndented(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
