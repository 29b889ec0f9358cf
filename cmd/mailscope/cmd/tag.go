package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mailscope/mailscope/internal/termdict"
	"github.com/spf13/cobra"
)

var tagNamespace string

var tagCmd = &cobra.Command{
	Use:   "tag <message-id> <+tag|-tag>...",
	Short: "Add or remove tags on a message",
	Long: `Change a message's tags. Prefix a tag with + to add it and with - to
remove it. Tags live in the namespace given with --namespace, or the
global namespace.

Flags must come before the message id so that -tag removals are not
read as flags.

Examples:
  mailscope tag 42 +archive -inbox
  mailscope tag --namespace work 42 +sent -drafts`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id64, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil || id64 == 0 {
			return fmt.Errorf("message id must be a positive number, got %q", args[0])
		}
		id := uint32(id64)

		s, err := openStores(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		var add, remove []uint32
		for _, arg := range args[1:] {
			if len(arg) < 2 || (arg[0] != '+' && arg[0] != '-') {
				return fmt.Errorf("tag change must start with + or -, got %q", arg)
			}
			name := strings.ToLower(arg[1:])
			switch arg[0] {
			case '+':
				tid, err := s.dict.Intern(name, tagNamespace, termdict.KindTag)
				if err != nil {
					return fmt.Errorf("intern tag %s: %w", name, err)
				}
				add = append(add, tid)
			case '-':
				tid, ok := s.dict.Lookup(name, tagNamespace)
				if !ok {
					continue // removing a tag that never existed is a no-op
				}
				remove = append(remove, tid)
			}
		}

		_, newTags, err := s.engine.UpdateTags(id, add, remove)
		if err != nil {
			return fmt.Errorf("update tags: %w", err)
		}
		if err := s.dict.Flush(); err != nil {
			return fmt.Errorf("flush term dictionary: %w", err)
		}
		if err := s.store.Sync(); err != nil {
			return fmt.Errorf("sync metadata log: %w", err)
		}

		names := make([]string, 0, len(newTags))
		for _, tid := range newTags {
			ent, err := s.dict.Resolve(tid)
			if err != nil {
				return err
			}
			names = append(names, ent.Key())
		}
		fmt.Printf("Message %d tags: %s\n", id, strings.Join(names, ", "))
		return nil
	},
}

func init() {
	tagCmd.Flags().StringVar(&tagNamespace, "namespace", "", "tag namespace")
	tagCmd.Flags().SetInterspersed(false)
	rootCmd.AddCommand(tagCmd)
}
