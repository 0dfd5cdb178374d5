package mainboilerplate

import "github.com/jessevdk/go-flags"

// AddCommandFunc registers a sub-command with a parent Command.
type AddCommandFunc func(*flags.Command) error

// CommandRegistry builds a tree of go-flags sub-commands. Packages register
// their commands (typically from init) under the dotted name of a parent,
// and the tree is assembled once the root Command exists.
type CommandRegistry map[string][]AddCommandFunc

// NewCommandRegistry returns an empty CommandRegistry.
func NewCommandRegistry() CommandRegistry {
	return make(CommandRegistry)
}

// AddCommand registers |command| under |parentName|, which separates nested
// command names with dots. Example registering "frames" and "frames get":
//
//	AddCommand("", "frames", ...)
//	AddCommand("frames", "get", ...)
func (cr CommandRegistry) AddCommand(parentName, command, short, long string, data interface{}) {
	cr[parentName] = append(cr[parentName], func(cmd *flags.Command) error {
		_, err := cmd.AddCommand(command, short, long, data)
		return err
	})
}

// AddCommands adds commands registered under |rootName| to |rootCmd|, and
// then recursively adds the registered sub-commands of each.
func (cr CommandRegistry) AddCommands(rootName string, rootCmd *flags.Command) error {
	for _, fn := range cr[rootName] {
		if err := fn(rootCmd); err != nil {
			return err
		}
	}
	for _, cmd := range rootCmd.Commands() {
		var name = cmd.Name
		if rootName != "" {
			name = rootName + "." + name
		}
		if err := cr.AddCommands(name, cmd); err != nil {
			return err
		}
	}
	return nil
}
