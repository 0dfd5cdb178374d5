package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

// configDirs returns directories searched, in order, for a configuration file:
//   - The current working directory.
//   - $FRAMEPIPE_CONFIG_ROOT, if set.
//   - ~/.config/framepipe (under the users's $HOME or %UserProfile% directory).
func configDirs() []string {
	var dirs = []string{"."}
	if root := os.Getenv("FRAMEPIPE_CONFIG_ROOT"); root != "" {
		dirs = append(dirs, root)
	}
	for _, home := range []string{os.Getenv("HOME"), os.Getenv("UserProfile")} {
		if home != "" {
			dirs = append(dirs, filepath.Join(home, ".config", "framepipe"))
		}
	}
	return dirs
}

// MustParseConfig parses the Parser configuration from the first INI file
// named |configName| found in configDirs (if any), then from environment
// bindings, and finally from explicit command-line flags.
func MustParseConfig(parser *flags.Parser, configName string) {
	// INI files may hold options of sub-commands other than the one invoked.
	var options = parser.Options
	parser.Options |= flags.IgnoreUnknown

	var ini = flags.NewIniParser(parser)

	for _, dir := range configDirs() {
		var err = ini.ParseFile(filepath.Join(dir, configName))

		if err == nil {
			break
		} else if !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	parser.Options = options
	MustParseArgs(parser)
}

// MustParseArgs parses and executes the command of the Parser from os.Args,
// exiting the process if arguments are invalid or a help page was requested.
func MustParseArgs(parser *flags.Parser) {
	var _, err = parser.ParseArgs(os.Args[1:])
	if err == nil {
		return
	}
	var flagErr, ok = err.(*flags.Error)
	if !ok {
		// The executed command failed.
		Must(err, "fatal error")
	}

	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
		// The configuration struct itself is malformed.
		panic(err)

	case flags.ErrCommandRequired:
		// Follow "Please specify one command of: ..." with full usage.
		os.Stderr.WriteString("\n")
		parser.WriteHelp(os.Stderr)
		printVersion()

	case flags.ErrHelp:
		if parser.Options&flags.PrintErrors == 0 {
			parser.WriteHelp(os.Stderr)
		}
		printVersion()

	default:
		// go-flags has already printed a description of the input error.
	}
	os.Exit(1)
}

func printVersion() {
	fmt.Fprintf(os.Stderr, "\nframepipe %s, built at %s.\n", Version, BuildDate)
}

// AddPrintConfigCmd adds a "print-config" command to the Parser, which writes
// the combined runtime configuration in INI format. A printed configuration
// may be used as a starting point for a |configName| file.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	_, err := parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
`, &printConfig{parser})
	Must(err, "failed to add print-config command")
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	flags.NewIniParser(p.Parser).Write(os.Stdout,
		flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
