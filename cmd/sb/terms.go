package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/glossary"
)

func newTermsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "terms",
		Short: "Manage the business-terms glossary",
		Long:  "Business terms are injected into the intent prompt so the model reads company jargon correctly.",
	}

	cmd.AddCommand(newTermsListCmd())
	cmd.AddCommand(newTermsAddCmd())
	cmd.AddCommand(newTermsDeleteCmd())
	return cmd
}

// withGlossary loads the glossary named by the config file.
func withGlossary(configPath string, fn func(g *glossary.Glossary) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	g, err := glossary.New(cfg.Terms, nil)
	if err != nil {
		return err
	}
	return fn(g)
}

func newTermsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List business terms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGlossary(configPath, func(g *glossary.Glossary) error {
				printTerms(cmd.OutOrStdout(), g.List())
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	return cmd
}

func printTerms(out io.Writer, terms []glossary.Term) {
	if len(terms) == 0 {
		fmt.Fprintln(out, "No business terms defined.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TERM\tMEANING\tSQL HINT\tEXAMPLES")
	for _, t := range terms {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name, truncate(t.Meaning, 50), truncate(t.SQLHint, 40), strings.Join(t.Examples, "; "))
	}
	w.Flush()
}

func newTermsAddCmd() *cobra.Command {
	var (
		configPath string
		term       glossary.Term
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a business term",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			term.Name = args[0]
			return withGlossary(configPath, func(g *glossary.Glossary) error {
				if err := g.Add(term); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added term %s\n", term.Name)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	cmd.Flags().StringVarP(&term.Meaning, "meaning", "m", "", "what the term means (required)")
	cmd.Flags().StringVar(&term.SQLHint, "sql-hint", "", "how the term maps to SQL")
	cmd.Flags().StringArrayVar(&term.Examples, "example", nil, "example question (repeatable)")
	cmd.MarkFlagRequired("meaning")
	return cmd
}

func newTermsDeleteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a business term",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGlossary(configPath, func(g *glossary.Glossary) error {
				if err := g.Delete(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted term %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	return cmd
}
