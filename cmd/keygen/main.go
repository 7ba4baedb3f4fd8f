// Command keygen is the trusted dealer of a billing cluster. It writes the
// public aggregation key, one key share and identity key per Core, the Edge
// identity key and the cluster file.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"PrivateBilling/internal/fhe"
	"PrivateBilling/internal/keyshare"
	"PrivateBilling/internal/logger"
)

func main() {
	logger.Init(slog.LevelInfo)

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options holds the dealer flags.
type options struct {
	out       string // out is the output directory
	params    string // params names the FHE parameter set
	threshold int    // threshold is t
	cores     string // cores is a comma separated list of Core QUIC addresses
	n         int    // n is the Core count when cores is empty
	host      string // host is the Core host when cores is empty
	basePort  int    // basePort is Core 0's port when cores is empty
}

// run parses flags, deals the keys and writes the bundle.
func run(args []string) error {
	var o options

	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.StringVar(&o.out, "out", "./cluster", "Output directory")
	fs.StringVar(&o.params, "params", "default", "FHE parameter set: "+strings.Join(fhe.ParameterSetNames(), ", "))
	fs.IntVar(&o.threshold, "threshold", 3, "Shares needed to decrypt")
	fs.StringVar(&o.cores, "cores", "", "Comma separated Core addresses (overrides -n)")
	fs.IntVar(&o.n, "n", 5, "Number of Cores")
	fs.StringVar(&o.host, "host", "127.0.0.1", "Core host when -cores is empty")
	fs.IntVar(&o.basePort, "base-port", 9100, "Port of Core 0 when -cores is empty")

	if err := fs.Parse(args); err != nil {
		return err
	}

	addrs, err := o.addresses()
	if err != nil {
		return err
	}

	params, err := fhe.NewParameters(o.params)
	if err != nil {
		return err
	}

	start := time.Now()

	bundle, err := keyshare.Generate(params, o.threshold, addrs)
	if err != nil {
		return fmt.Errorf("deal keys:\n%w", err)
	}

	if err := bundle.Write(o.out); err != nil {
		return fmt.Errorf("write bundle:\n%w", err)
	}

	logger.Info("cluster written",
		"dir", o.out,
		"params", params.Name(),
		"cores", len(addrs),
		"threshold", o.threshold,
		logger.Timed(start),
	)

	return nil
}

// addresses returns the Core address list from -cores or -n/-host/-base-port.
func (o options) addresses() ([]string, error) {
	if o.cores == "" {
		if o.n < 1 {
			return nil, fmt.Errorf("-n must be positive, got %d", o.n)
		}

		addrs := make([]string, o.n)
		for i := range addrs {
			addrs[i] = net.JoinHostPort(o.host, strconv.Itoa(o.basePort+i))
		}

		return addrs, nil
	}

	var addrs []string
	for _, a := range strings.Split(o.cores, ",") {
		a = strings.TrimSpace(a)
		if _, _, err := net.SplitHostPort(a); err != nil {
			return nil, fmt.Errorf("core address %q:\n%w", a, err)
		}
		addrs = append(addrs, a)
	}

	return addrs, nil
}
