package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ternarybob/courseforge/internal/coursespec"
)

func newTargetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "targets <spec>",
		Short: "Print the output targets defined by a course spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			course, err := coursespec.Parse(args[0])
			if err != nil {
				return err
			}

			targets, err := course.OutputTargets("./output")
			if err != nil {
				return err
			}

			for _, t := range targets {
				fmt.Printf("%s\n  path:      %s\n  languages: %s\n  formats:   %s\n  kinds:     %s\n",
					t.Name, t.OutputRoot, joinLanguages(t.Languages), joinFormats(t.Formats), joinKinds(t.Kinds))
			}
			return nil
		},
	}
}
