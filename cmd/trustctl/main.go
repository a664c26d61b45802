// Command trustctl is the operator tool for the trust core's audit ledger:
// it verifies chain integrity over a range and exports redacted batches.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/broadvale/trustcore/internal/trust/app"
	"github.com/broadvale/trustcore/internal/trust/service"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "verify":
		err = runVerify(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "seal":
		err = runSeal(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "trustctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: trustctl <command> [flags]

commands:
  verify   recompute hashes and linkage over an event range
  export   write redacted events to stdout or a file
  seal     seal the pending audit batch now`)
}

// newEngine builds an engine from the environment, with quiet logging so
// command output stays parseable.
func newEngine() (*app.Engine, error) {
	cfg := app.LoadConfig()
	if os.Getenv("LOG_LEVEL") == "" {
		cfg.LogLevel = "error"
	}
	return app.New(cfg, nil, nil)
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	from := fs.String("from", "", "first event id of the range (default: genesis)")
	to := fs.String("to", "", "last event id of the range (default: head)")
	quiet := fs.Bool("quiet", false, "only print failing events")
	if err := fs.Parse(args); err != nil {
		return err
	}

	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	verdicts, err := engine.Ledger.VerifyIntegrity(context.Background(), *from, *to)
	if err != nil {
		return err
	}

	bad := 0
	for _, v := range verdicts {
		if v.OK {
			if !*quiet {
				fmt.Printf("ok   %s\n", v.EventID)
			}
			continue
		}
		bad++
		fmt.Printf("FAIL %s: %v\n", v.EventID, v.Problems)
	}

	fmt.Printf("%d events checked, %d failed\n", len(verdicts), bad)
	if bad > 0 {
		return fmt.Errorf("ledger integrity check failed")
	}
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	from := fs.String("from", "", "first event id of the range (default: genesis)")
	to := fs.String("to", "", "last event id of the range (default: head)")
	format := fs.String("format", service.ExportJSON, "output format: json or csv")
	out := fs.String("out", "", "output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	w := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	return engine.Ledger.Export(context.Background(), *from, *to, *format, w)
}

func runSeal(args []string) error {
	fs := flag.NewFlagSet("seal", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	engine, err := newEngine()
	if err != nil {
		return err
	}
	defer engine.Close()

	seal, err := engine.Ledger.Seal(context.Background())
	if errors.Is(err, service.ErrNothingToSeal) {
		fmt.Println("nothing to seal")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("sealed epoch %d: %d events\nreceipt: %s\n", seal.Epoch, seal.EventCount, seal.Receipt)
	return nil
}
