package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ternarybob/courseforge/internal/common"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the courseforge version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(common.GetFullVersion())
			return nil
		},
	}
}
