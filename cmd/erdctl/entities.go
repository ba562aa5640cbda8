package main

import (
	"fmt"
	"strings"

	"github.com/npezzotti/go-erd/internal/diagram"
	"github.com/spf13/cobra"
)

// attrFlag collects repeated name:type[:pk] attribute flags.
type attrFlag []diagram.EntityAttribute

func (a *attrFlag) String() string {
	names := make([]string, len(*a))
	for i, attr := range *a {
		names[i] = attr.Name
	}
	return "[" + strings.Join(names, ",") + "]"
}

// Set parses name:type[:pk].
func (a *attrFlag) Set(value string) error {
	parts := strings.Split(value, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return fmt.Errorf("attribute %q: want name:type[:pk]", value)
	}
	attr := diagram.EntityAttribute{Name: parts[0], Type: diagram.AttributeType(parts[1])}
	if !attr.Type.Valid() {
		return fmt.Errorf("attribute %q: unknown type %q", value, parts[1])
	}
	if len(parts) == 3 {
		if parts[2] != "pk" {
			return fmt.Errorf("attribute %q: unknown flag %q", value, parts[2])
		}
		attr.IsPrimaryKey = true
		attr.IsRequired = true
	}
	*a = append(*a, attr)
	return nil
}

func (a *attrFlag) Type() string { return "name:type[:pk]" }

var entityAttrs attrFlag

var addEntityCmd = &cobra.Command{
	Use:   "add-entity [room-id] [name]",
	Short: "Add an entity to a diagram",
	Long:  `Add an entity with optional attributes and position, then print its id.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		x, _ := cmd.Flags().GetFloat64("x")
		y, _ := cmd.Flags().GetFloat64("y")

		s, err := open(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		e, err := s.ctrl.AddEntity(diagram.EntityInput{
			Name:       args[1],
			Attributes: entityAttrs,
			Position:   diagram.Position{X: x, Y: y},
		})
		if err != nil {
			s.close()
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), e.ID)
		return s.close()
	},
}

func init() {
	addEntityCmd.Flags().Float64("x", 0, "x position")
	addEntityCmd.Flags().Float64("y", 0, "y position")
	addEntityCmd.Flags().Var(&entityAttrs, "attr", "attribute as name:type[:pk], repeatable")
}
