// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-chat/internal/grammar"
)

func newGrammarCommand(a *app) *cobra.Command {
	var propOrder string

	cmd := &cobra.Command{
		Use:   "grammar <schema-file>",
		Short: "Convert a JSON schema to a GBNF grammar",
		Long: `Convert a JSON or YAML schema file to a llama.cpp GBNF grammar and print it.

Point [sampling] grammar_schema at the same file to constrain every reply.

Examples:
  rigchat grammar tools.json
  rigchat grammar tools.yaml --prop-order function,arguments`,
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := grammar.ConvertFile(args[0], parsePropOrder(propOrder))
			if err != nil {
				return err
			}
			fmt.Fprint(a.stdout, g)
			return nil
		},
	}
	cmd.Flags().StringVar(&propOrder, "prop-order", "", "comma separated property names, emitted first in this order")
	return cmd
}

// parsePropOrder turns "a,b,c" into {a:0, b:1, c:2}.
func parsePropOrder(s string) map[string]int {
	order := make(map[string]int)
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := order[name]; !dup {
			order[name] = len(order)
		}
	}
	return order
}
