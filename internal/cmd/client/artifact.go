package client

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

// NewArtifactCommand constructs the `artifact` command group.
func NewArtifactCommand(baseURL BaseURLFunc) *cobra.Command {
	artifactCmd := &cobra.Command{
		Use:     "artifact",
		Aliases: []string{"art"},
		Short:   "Artifact store operations (put, get, exists, stats)",
	}
	artifactCmd.AddCommand(
		newArtifactPutCommand(baseURL),
		newArtifactGetCommand(baseURL),
		newArtifactExistsCommand(baseURL),
		newArtifactStatsCommand(baseURL),
	)
	return artifactCmd
}

// newArtifactPutCommand constructs the `artifact put` subcommand.
func newArtifactPutCommand(baseURL BaseURLFunc) *cobra.Command {
	putCmd := &cobra.Command{
		Use:   "put",
		Short: "Store content under a key (idempotent)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, _ := cmd.Flags().GetString("key")
			data, _ := cmd.Flags().GetString("data")
			file, _ := cmd.Flags().GetString("file")
			if key == "" {
				return fmt.Errorf("--key is required")
			}

			content := []byte(data)
			if file != "" {
				var err error
				content, err = os.ReadFile(file)
				if err != nil {
					return err
				}
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPut,
				artifactURL(baseURL(), key), bytes.NewReader(content))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/octet-stream")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("%s: %s", resp.Status, body)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(bytes.TrimSpace(body)))
			return nil
		},
	}
	putCmd.Flags().String("key", "", "Artifact key")
	putCmd.Flags().String("data", "", "Content to store")
	putCmd.Flags().String("file", "", "Read content from a file instead of --data")
	return putCmd
}

// newArtifactGetCommand constructs the `artifact get` subcommand.
func newArtifactGetCommand(baseURL BaseURLFunc) *cobra.Command {
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Fetch content (or metadata with --meta)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, _ := cmd.Flags().GetString("key")
			meta, _ := cmd.Flags().GetBool("meta")
			if key == "" {
				return fmt.Errorf("--key is required")
			}

			rawURL := artifactURL(baseURL(), key)
			if meta {
				var ref map[string]any
				if err := getJSON(cmd.Context(), rawURL+"?meta=1", &ref); err != nil {
					return err
				}
				return printJSON(cmd, ref)
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, rawURL, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("%s: %s", resp.Status, body)
			}
			_, err = cmd.OutOrStdout().Write(body)
			return err
		},
	}
	getCmd.Flags().String("key", "", "Artifact key")
	getCmd.Flags().Bool("meta", false, "Print the ref (size, checksum) instead of content")
	return getCmd
}

// newArtifactExistsCommand constructs the `artifact exists` subcommand.
func newArtifactExistsCommand(baseURL BaseURLFunc) *cobra.Command {
	existsCmd := &cobra.Command{
		Use:   "exists",
		Short: "Check whether a key is stored",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, _ := cmd.Flags().GetString("key")
			if key == "" {
				return fmt.Errorf("--key is required")
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodHead,
				artifactURL(baseURL(), key), nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			_ = resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusOK:
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "exists: true")
				return nil
			case http.StatusNotFound:
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "exists: false")
				return nil
			default:
				return fmt.Errorf("%s", resp.Status)
			}
		},
	}
	existsCmd.Flags().String("key", "", "Artifact key")
	return existsCmd
}

// newArtifactStatsCommand constructs the `artifact stats` subcommand.
func newArtifactStatsCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Store-wide artifact counts and bytes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]any
			if err := getJSON(cmd.Context(), baseURL()+"/v1/artifacts/stats", &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}
