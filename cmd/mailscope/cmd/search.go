package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mailscope/mailscope/internal/search"
	"github.com/spf13/cobra"
)

var (
	searchContext string
	searchThreads bool
	searchLimit   int
	searchJSON    bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search messages",
	Long: `Search the archive. The query syntax is lenient: anything that does
not parse as an operator is matched as free text.

Supported operators:
  in: / tag:   Tag, optionally namespaced (in:inbox, in:inbox@work, in:@work)
  from:        Sender address
  to:          Recipient address
  subject:     Subject words
  has:         has:attachment
  is:          is:draft, is:encrypted, is:signed
  date:        Date or range (date:2023, date:2023-5..2023-7, date:1w..)
  year:        Whole year
  all          Everything (also * and all:mail)

Terms combine with AND by default; OR, NOT, parentheses and -term work
as expected.

Examples:
  mailscope search in:inbox from:alice
  mailscope search date:2023-5.. report OR invoice
  mailscope search --context work in:inbox -in:spam`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queryStr := strings.Join(args, " ")

		parser := search.NewParser()
		node, err := parser.Parse(queryStr)
		if err != nil {
			return fmt.Errorf("parse query: %w", err)
		}

		if searchContext != "" {
			contexts, err := openContexts()
			if err != nil {
				return err
			}
			sctx := contexts.Get(searchContext)
			if sctx == nil {
				return fmt.Errorf("unknown context %q", searchContext)
			}
			node, err = sctx.Scope(parser, node)
			if err != nil {
				return fmt.Errorf("scope query: %w", err)
			}
		}

		s, err := openStores(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		results, err := s.engine.Search(cmd.Context(), node)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}

		if len(results) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		if searchLimit > 0 && len(results) > searchLimit && !searchThreads {
			results = results[:searchLimit]
		}

		if searchThreads {
			forest := search.ThreadForest(results)
			if searchJSON {
				return json.NewEncoder(os.Stdout).Encode(forest)
			}
			return printThreads(forest)
		}
		if searchJSON {
			return json.NewEncoder(os.Stdout).Encode(results)
		}
		return printResults(results)
	},
}

func printResults(results []search.Result) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDATE\tSIZE\tTAGS")
	for _, res := range results {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n",
			res.ID,
			time.Unix(res.Timestamp, 0).UTC().Format("2006-01-02 15:04"),
			res.Size,
			strings.Join(res.Tags, ","))
	}
	return w.Flush()
}

func printThreads(forest []*search.ThreadNode) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDATE\tSIZE\tTAGS")
	for _, root := range forest {
		printThreadNode(w, root, 0)
	}
	return w.Flush()
}

func printThreadNode(w *tabwriter.Writer, n *search.ThreadNode, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(w, "%s%d\t%s\t%d\t%s\n",
		indent,
		n.ID,
		time.Unix(n.Timestamp, 0).UTC().Format("2006-01-02 15:04"),
		n.Size,
		strings.Join(n.Tags, ","))
	for _, reply := range n.Replies {
		printThreadNode(w, reply, depth+1)
	}
}

func init() {
	searchCmd.Flags().StringVar(&searchContext, "context", "", "confine the search to a context")
	searchCmd.Flags().BoolVar(&searchThreads, "threads", false, "group results into conversations")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 50, "maximum results (0 = unlimited)")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output JSON")
	rootCmd.AddCommand(searchCmd)
}
