// Command resolve exercises the resolver package against one or more
// names read from the command line or a file, reporting the result of
// each fetch. Flags follow the go-flags struct-tag pattern.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/dnscascade/resolver"
	flags "github.com/jessevdk/go-flags"
	"github.com/miekg/dns"
	"golang.org/x/time/rate"
)

type options struct {
	Type       string        `short:"t" long:"type" description:"record type to query" default:"A"`
	Input      string        `short:"f" long:"file" description:"file of names to resolve, one per line (- for stdin)"`
	Forwarder  []string      `short:"F" long:"forwarder" description:"forwarder address (repeatable); enables forward-first"`
	OnlyForward bool         `long:"only-forward" description:"use forwarders exclusively, skipping NS discovery"`
	Timeout    time.Duration `short:"T" long:"timeout" description:"per-fetch timeout" default:"5s"`
	Rate       int           `short:"r" long:"rate" description:"max fetches per second (0 = unlimited)" default:"0"`
	Trace      bool          `long:"trace" description:"print a per-fetch resolution trace to stderr"`

	Names []string `positional-args:"yes"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	args, err := parser.Parse()
	if err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	opts.Names = append(opts.Names, args...)

	qtype, ok := dns.StringToType[strings.ToUpper(opts.Type)]
	if !ok {
		fmt.Fprintf(os.Stderr, "resolve: unknown record type %q\n", opts.Type)
		os.Exit(2)
	}

	names, err := gatherNames(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(names) == 0 {
		fmt.Fprintln(os.Stderr, "resolve: no names given (pass them as arguments or with -f)")
		os.Exit(2)
	}

	r := resolver.New()
	if opts.Trace {
		r.Trace = os.Stderr
	}
	if len(opts.Forwarder) > 0 {
		addrs := make([]netip.Addr, 0, len(opts.Forwarder))
		for _, f := range opts.Forwarder {
			a, err := netip.ParseAddr(f)
			if err != nil {
				fmt.Fprintf(os.Stderr, "resolve: bad forwarder %q: %v\n", f, err)
				os.Exit(2)
			}
			addrs = append(addrs, a)
		}
		_ = r.SetForwarders(addrs)
		policy := resolver.ForwardFirst
		if opts.OnlyForward {
			policy = resolver.ForwardOnly
		}
		_ = r.SetForwardPolicy(policy)
	}
	r.Timeout = opts.Timeout
	if err := r.Freeze(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() {
		r.Shutdown()
		<-r.WhenShutdown()
	}()

	var limiter *rate.Limiter
	if opts.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), opts.Rate)
	}

	log.Printf("resolving %d name(s)  timeout=%s  rate=%dq/s", len(names), opts.Timeout, opts.Rate)

	ctx := context.Background()
	exit := 0
	for _, name := range names {
		if limiter != nil {
			_ = limiter.Wait(ctx)
		}
		if !resolveOne(ctx, r, name, qtype) {
			exit = 1
		}
	}
	log.Println("resolution completed")
	os.Exit(exit)
}

func gatherNames(opts options) ([]string, error) {
	names := append([]string(nil), opts.Names...)
	if opts.Input == "" {
		return names, nil
	}
	var rdr *bufio.Scanner
	if opts.Input == "-" {
		rdr = bufio.NewScanner(os.Stdin)
	} else {
		f, err := os.Open(opts.Input)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		rdr = bufio.NewScanner(f)
	}
	for rdr.Scan() {
		line := strings.TrimSpace(rdr.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	return names, rdr.Err()
}

func resolveOne(ctx context.Context, r *resolver.Resolver, name string, qtype uint16) bool {
	fctx, cancel := context.WithTimeout(ctx, r.Timeout+time.Second)
	defer cancel()
	f, err := r.CreateFetch(fctx, name, qtype, 0)
	if err != nil {
		fmt.Printf("%-40s %-6s ERROR %v\n", name, dns.TypeToString[qtype], err)
		return false
	}
	defer r.DestroyFetch(f)

	select {
	case res := <-f.Result():
		printResult(name, qtype, res)
		return res.Result == resolver.Success
	case <-fctx.Done():
		fmt.Printf("%-40s %-6s ERROR %v\n", name, dns.TypeToString[qtype], fctx.Err())
		return false
	}
}

func printResult(name string, qtype uint16, res resolver.FetchResult) {
	fmt.Printf("%-40s %-6s %s", name, dns.TypeToString[qtype], res.Result)
	if res.Origin.IsValid() {
		fmt.Printf(" from=%s", res.Origin)
	}
	fmt.Println()
	for _, rr := range res.Rdataset {
		fmt.Println("  ", rr.String())
	}
	if res.Err != nil {
		fmt.Println("  error:", res.Err)
	}
}
