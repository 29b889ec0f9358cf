package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mailscope/mailscope/internal/scope"
	"github.com/spf13/cobra"
)

var (
	ctxName         string
	ctxDescription  string
	ctxNamespace    string
	ctxScopeSearch  string
	ctxRequire      []string
	ctxForbid       []string
	ctxTags         []string
	ctxStandardTags bool
)

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Manage search contexts",
	Long: `Manage search contexts: named visibility boundaries over the archive.

A context confines searches to a tag namespace, forces required tags
onto every query, filters out forbidden terms and optionally limits
which tags are exposed. Grants reference contexts by key.`,
}

var contextListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		contexts, err := openContexts()
		if err != nil {
			return err
		}

		all := contexts.List()
		if len(all) == 0 {
			fmt.Println("No contexts.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tNAME\tNAMESPACE\tREQUIRE\tFORBID")
		for _, c := range all {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				c.Key, c.Name, c.Namespace,
				strings.Join(c.RequiredTags, ","),
				strings.Join(c.ForbiddenTerms, ","))
		}
		return w.Flush()
	},
}

var contextCreateCmd = &cobra.Command{
	Use:   "create <key>",
	Short: "Create a context",
	Long: `Create a search context.

Examples:
  mailscope context create work --name "Work Mail" --namespace work --with-standard-tags
  mailscope context create support --name Support --namespace work \
      --require inbox --forbid is:encrypted --tags inbox --tags sent`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contexts, err := openContexts()
		if err != nil {
			return err
		}

		sctx := &scope.Context{
			Key:            args[0],
			Name:           ctxName,
			Description:    ctxDescription,
			Namespace:      ctxNamespace,
			ScopeSearch:    ctxScopeSearch,
			RequiredTags:   ctxRequire,
			ForbiddenTerms: ctxForbid,
			VisibleTags:    ctxTags,
		}
		if err := contexts.Create(sctx); err != nil {
			return fmt.Errorf("create context: %w", err)
		}

		if ctxStandardTags {
			s, err := openStores(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			seeded, err := sctx.SeedStandardTags(s.dict)
			if err != nil {
				return fmt.Errorf("seed standard tags: %w", err)
			}
			if err := s.dict.Flush(); err != nil {
				return fmt.Errorf("flush term dictionary: %w", err)
			}
			names := make([]string, len(seeded))
			for i, ent := range seeded {
				names[i] = ent.Key()
			}
			fmt.Printf("Seeded tags: %s\n", strings.Join(names, ", "))
		}

		fmt.Printf("Created context %s\n", sctx.Key)
		return nil
	},
}

var contextUpdateCmd = &cobra.Command{
	Use:   "update <key>",
	Short: "Replace a context's definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contexts, err := openContexts()
		if err != nil {
			return err
		}

		sctx := &scope.Context{
			Key:            args[0],
			Name:           ctxName,
			Description:    ctxDescription,
			Namespace:      ctxNamespace,
			ScopeSearch:    ctxScopeSearch,
			RequiredTags:   ctxRequire,
			ForbiddenTerms: ctxForbid,
			VisibleTags:    ctxTags,
		}
		if err := contexts.Update(sctx); err != nil {
			return fmt.Errorf("update context: %w", err)
		}
		fmt.Printf("Updated context %s\n", sctx.Key)
		return nil
	},
}

func addContextFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&ctxName, "name", "", "human-readable name")
	cmd.Flags().StringVar(&ctxDescription, "description", "", "description")
	cmd.Flags().StringVar(&ctxNamespace, "namespace", "", "tag namespace the context confines to")
	cmd.Flags().StringVar(&ctxScopeSearch, "scope-search", "", "search ANDed onto every query")
	cmd.Flags().StringArrayVar(&ctxRequire, "require", nil, "tag required on every match (repeatable)")
	cmd.Flags().StringArrayVar(&ctxForbid, "forbid", nil, "term excluded from every match (repeatable)")
	cmd.Flags().StringArrayVar(&ctxTags, "tags", nil, "tag allowlist; empty exposes all (repeatable)")
	_ = cmd.MarkFlagRequired("name")
}

func init() {
	addContextFlags(contextCreateCmd)
	addContextFlags(contextUpdateCmd)
	contextCreateCmd.Flags().BoolVar(&ctxStandardTags, "with-standard-tags", false,
		"seed the standard container tags into the namespace")

	contextCmd.AddCommand(contextListCmd, contextCreateCmd, contextUpdateCmd)
	rootCmd.AddCommand(contextCmd)
}
