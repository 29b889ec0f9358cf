package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mailscope/mailscope/internal/grant"
	"github.com/spf13/cobra"
)

var (
	grantRole       string
	grantContext    string
	grantCredential string
)

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Manage access grants",
	Long: `Manage the principals allowed to use the archive.

A grant binds a principal to a role (guest or user) inside one search
context. Guests may search and read; users may also change tags. A
grant downgraded to the role "none" keeps its slot so that previously
issued tokens stay revoked.`,
}

var grantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List grants",
	RunE: func(cmd *cobra.Command, args []string) error {
		grants, err := openGrants()
		if err != nil {
			return err
		}

		all := grants.List()
		if len(all) == 0 {
			fmt.Println("No grants.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PRINCIPAL\tROLE\tCONTEXT\tEPOCH")
		for _, g := range all {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", g.Principal, g.Role, g.Context, g.Epoch)
		}
		return w.Flush()
	},
}

var grantCreateCmd = &cobra.Command{
	Use:   "create <principal>",
	Short: "Create a grant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contexts, err := openContexts()
		if err != nil {
			return err
		}
		if contexts.Get(grantContext) == nil {
			return fmt.Errorf("unknown context %q", grantContext)
		}

		grants, err := openGrants()
		if err != nil {
			return err
		}
		g, err := grants.Create(args[0], grant.Role(grantRole), grantContext, grantCredential)
		if err != nil {
			return fmt.Errorf("create grant: %w", err)
		}
		fmt.Printf("Created grant for %s (role %s, context %s)\n", g.Principal, g.Role, g.Context)
		return nil
	},
}

var grantUpdateCmd = &cobra.Command{
	Use:   "update <principal>",
	Short: "Change a grant's role or context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if grantContext != "" {
			contexts, err := openContexts()
			if err != nil {
				return err
			}
			if contexts.Get(grantContext) == nil {
				return fmt.Errorf("unknown context %q", grantContext)
			}
		}

		grants, err := openGrants()
		if err != nil {
			return err
		}
		g, err := grants.Update(args[0], grant.Role(grantRole), grantContext)
		if err != nil {
			return fmt.Errorf("update grant: %w", err)
		}
		fmt.Printf("Updated grant for %s (role %s, context %s)\n", g.Principal, g.Role, g.Context)
		return nil
	},
}

var grantRemoveCmd = &cobra.Command{
	Use:   "remove <principal>",
	Short: "Remove a grant entirely",
	Long: `Remove a grant. All of its tokens stop verifying immediately. Prefer
"grant update --role none" to revoke access while keeping the slot.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		grants, err := openGrants()
		if err != nil {
			return err
		}
		if err := grants.Remove(args[0]); err != nil {
			return fmt.Errorf("remove grant: %w", err)
		}
		fmt.Printf("Removed grant for %s\n", args[0])
		return nil
	},
}

var grantTTL time.Duration

var grantLoginCmd = &cobra.Command{
	Use:   "login <principal>",
	Short: "Issue a bearer token for a principal",
	Long: `Issue a signed bearer token, as the HTTP login endpoint would. The
credential is read from the MAILSCOPE_CREDENTIAL environment variable
so it never appears in shell history.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		grants, err := openGrants()
		if err != nil {
			return err
		}
		ttl := grantTTL
		if ttl <= 0 {
			ttl = cfg.Server.SessionDuration()
		}
		token, err := grants.Login(args[0], os.Getenv("MAILSCOPE_CREDENTIAL"), ttl)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

var grantLogoutCmd = &cobra.Command{
	Use:   "logout <principal>",
	Short: "Invalidate all outstanding tokens of a principal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		grants, err := openGrants()
		if err != nil {
			return err
		}
		if err := grants.Logout(args[0]); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
		fmt.Printf("Logged out %s everywhere\n", args[0])
		return nil
	},
}

func init() {
	grantCreateCmd.Flags().StringVar(&grantRole, "role", "guest", "role (guest or user)")
	grantCreateCmd.Flags().StringVar(&grantContext, "context", "", "search context the grant is confined to")
	grantCreateCmd.Flags().StringVar(&grantCredential, "credential", "", "login credential")
	_ = grantCreateCmd.MarkFlagRequired("context")

	grantUpdateCmd.Flags().StringVar(&grantRole, "role", "", "new role (guest, user or none)")
	grantUpdateCmd.Flags().StringVar(&grantContext, "context", "", "new search context")

	grantLoginCmd.Flags().DurationVar(&grantTTL, "ttl", 0, "token lifetime (default from config)")

	grantCmd.AddCommand(grantListCmd, grantCreateCmd, grantUpdateCmd, grantRemoveCmd, grantLoginCmd, grantLogoutCmd)
	rootCmd.AddCommand(grantCmd)
}
