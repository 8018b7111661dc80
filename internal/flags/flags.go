package flags

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"
)

// ParseSender parses `sender HOST [PORT] FILE [-d]`. PORT is optional and
// present when there are three positional arguments, in which case it must
// be numeric; with two, DefaultPort is used.
func ParseSender(opts *SenderOptions) error {
	pflag.BoolVarP(&opts.Debug, "debug", "d", false, "print per-symbol debug output instead of a progress bar")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s HOST [PORT] FILE [-d]\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	args := pflag.Args()
	switch len(args) {
	case 2:
		opts.Host = args[0]
		opts.FilePath = args[1]
	case 3:
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("flags: PORT must be numeric, got %q", args[1])
		}
		opts.Host = args[0]
		opts.Port = port
		opts.FilePath = args[2]
	default:
		return fmt.Errorf("flags: expected HOST [PORT] FILE, got %d positional arguments", len(args))
	}
	return nil
}

// ParseReceiver parses `receiver [-dh]`.
func ParseReceiver(opts *ReceiverOptions) error {
	var showHelp bool
	pflag.BoolVarP(&opts.Debug, "debug", "d", false, "print per-symbol debug output")
	pflag.BoolVarP(&showHelp, "help", "h", false, "show usage and exit")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-dh]\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if showHelp {
		pflag.Usage()
		os.Exit(0)
	}
	return nil
}
