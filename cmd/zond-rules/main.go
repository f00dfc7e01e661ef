// zond-rules manages the exclusion rule table consulted by the zond service.
// Rules only tag collected data as excluded from aggregate statistics; they
// never remove history.
package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/woozymasta/zond/internal/storage"
)

type options struct {
	Path string `short:"d" long:"path" env:"ZOND_DB_PATH" description:"Path to SQLite database" default:"zond.db"`

	List   listCommand   `command:"list" description:"List current exclusion rules"`
	Add    addCommand    `command:"add" description:"Add a new exclusion rule"`
	Remove removeCommand `command:"remove" description:"Remove an exclusion rule by its ID"`
}

type listCommand struct {
	Kind string `long:"kind" description:"Filter by kind (gametype, player_name, server_id)"`
}

type addCommand struct {
	Notes string `long:"notes" description:"Optional notes for the rule"`
	Args  struct {
		Kind  string `positional-arg-name:"kind" choice:"gametype" choice:"player_name" choice:"server_id" description:"Rule kind"`
		Value string `positional-arg-name:"value" description:"Value to exclude (e.g. 'coop', 'AFK_Bot' or '1.2.3.4:23000')"`
	} `positional-args:"yes" required:"yes"`
}

type removeCommand struct {
	Args struct {
		ID int64 `positional-arg-name:"id" description:"Numeric rule ID (use 'list' to find it)"`
	} `positional-args:"yes" required:"yes"`
}

var opts options

func (c *listCommand) Execute(_ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rules, err := store.ListRules(c.Kind)
	if err != nil {
		return err
	}

	if len(rules) == 0 {
		fmt.Println("No exclusion rules found.")
		return nil
	}

	for _, r := range rules {
		fmt.Printf("ID: %-4d Kind: %-12s Value: %-25s Notes: %s\n", r.ID, r.Kind, r.Value, r.Notes)
	}

	return nil
}

func (c *addCommand) Execute(_ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.AddRule(c.Args.Kind, c.Args.Value, c.Notes); err != nil {
		return fmt.Errorf("add rule [%s %s]: %w", c.Args.Kind, c.Args.Value, err)
	}

	fmt.Printf("Added exclusion rule [kind: %s, value: %s]\n", c.Args.Kind, c.Args.Value)

	return nil
}

func (c *removeCommand) Execute(_ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	removed, err := store.RemoveRule(c.Args.ID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("no exclusion rule with ID %d", c.Args.ID)
	}

	fmt.Printf("Removed exclusion rule with ID %d\n", c.Args.ID)

	return nil
}

func openStore() (*storage.Repository, error) {
	return storage.New(opts.Path, 1)
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
