package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the quarry client.
// It registers the queue, dead and artifact command groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "quarry",
		Short: "Quarry client commands",
	}
	root.AddCommand(NewQueueCommand(baseURL))
	root.AddCommand(NewDeadCommand(baseURL))
	root.AddCommand(NewArtifactCommand(baseURL))
	return root
}
