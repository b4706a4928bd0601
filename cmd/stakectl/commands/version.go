package commands

import (
	"fmt"
	"runtime"

	"github.com/moltbunker/stakeledger/internal/buildinfo"
	"github.com/spf13/cobra"
)

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(stdout, StatusBox("stakectl", [][2]string{
				{"Version", buildinfo.GetVersion()},
				{"Commit", buildinfo.GetCommit()},
				{"Build Date", buildinfo.BuildDate},
				{"Go Version", buildinfo.GetGoVersion()},
				{"OS/Arch", runtime.GOOS + "/" + runtime.GOARCH},
			}))
		},
	}
}
