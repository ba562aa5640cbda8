package main

import (
	"fmt"

	"github.com/npezzotti/go-erd/internal/diagram"
	"github.com/spf13/cobra"
)

var linkCmd = &cobra.Command{
	Use:   "link [room-id] [from-entity-id] [to-entity-id]",
	Short: "Relate two entities",
	Long:  `Add a relationship between two entities of a diagram, then print its id.`,
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		relType, _ := cmd.Flags().GetString("type")
		name, _ := cmd.Flags().GetString("name")
		if t := diagram.RelationType(relType); !t.Valid() {
			return fmt.Errorf("unknown relationship type %q", relType)
		}

		s, err := open(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		r, err := s.ctrl.AddRelationship(diagram.RelationshipInput{
			FromEntity: args[1],
			ToEntity:   args[2],
			Type:       diagram.RelationType(relType),
			Name:       name,
		})
		if err != nil {
			s.close()
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), r.ID)
		return s.close()
	},
}

func init() {
	linkCmd.Flags().String("type", string(diagram.OneToMany), "1-1, 1-N or N-M")
	linkCmd.Flags().String("name", "", "relationship label")
}
