package cli

import (
	"fmt"
	"strings"

	"github.com/fmueller/voxstream/internal/download"
	"github.com/fmueller/voxstream/internal/whisper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSetupCmd(app *appState) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Download and verify speech model assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if list {
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(whisper.ModelNames(), "\n"))
				return nil
			}

			modelDir, err := app.modelStorageDir()
			if err != nil {
				return err
			}

			resolved, err := whisper.ResolveModel(app.config().Engine.Model, modelDir)
			if err != nil {
				return err
			}
			if resolved.IsCustomPath {
				return fmt.Errorf("setup expects a named model; got custom path %s", resolved.Path)
			}

			app.log().Info("checking model", zap.String("model", resolved.Name), zap.String("path", resolved.Path))
			downloaded, err := download.EnsureFile(cmd.Context(), download.Options{
				URL:            resolved.URL,
				Destination:    resolved.Path,
				ExpectedSHA256: resolved.SHA256,
				NoProgress:     app.noProgress,
				Logger:         app.log(),
			})
			if err != nil {
				return fmt.Errorf("download model %s: %w", resolved.Name, err)
			}

			if !downloaded {
				fmt.Fprintf(cmd.OutOrStdout(), "Model %s already present at %s\n", resolved.Name, resolved.Path)
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Model %s installed at %s\n", resolved.Name, resolved.Path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "List the named models and exit")
	return cmd
}
