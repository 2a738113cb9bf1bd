// Command rr-query sends one query to an rr-resolverd instance and prints the
// answer record, or a single failure line.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/haukened/rr-overlay/internal/dns/gateways/client"
	"github.com/haukened/rr-overlay/internal/dns/gateways/envelope"
)

const secretEnv = "RR_SECRET"

type options struct {
	domain   string
	qtype    string
	qclass   string
	ip       string
	port     int
	protocol string
	secure   int
	secret   string
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("rr-query", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.domain, "domain", "", "the domain name to be queried (required)")
	fs.StringVar(&opts.domain, "d", "", "shorthand for --domain")
	fs.StringVar(&opts.qtype, "type", "A", "the type of the query")
	fs.StringVar(&opts.qtype, "t", "A", "shorthand for --type")
	fs.StringVar(&opts.qclass, "class", "IN", "the class of the query")
	fs.StringVar(&opts.qclass, "c", "IN", "shorthand for --class")
	fs.StringVar(&opts.ip, "ip", "", "IP address of the resolver (required)")
	fs.IntVar(&opts.port, "port", 0, "port number the resolver is listening on (required)")
	fs.StringVar(&opts.protocol, "protocol", "udp", "protocol the resolver forwards with: tcp or udp")
	fs.IntVar(&opts.secure, "secure", 1, "1 for an encrypted query payload, 0 for plain text")
	fs.StringVar(&opts.secret, "secret", os.Getenv(secretEnv), "shared secret, defaults to $"+secretEnv)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	switch {
	case opts.domain == "":
		return nil, fmt.Errorf("--domain is required")
	case net.ParseIP(opts.ip) == nil:
		return nil, fmt.Errorf("--ip must be an IP address")
	case opts.port < 1 || opts.port > 65535:
		return nil, fmt.Errorf("--port must be between 1 and 65535")
	case opts.secure != 0 && opts.secret == "":
		return nil, fmt.Errorf("secure queries need --secret or $%s", secretEnv)
	}
	return opts, nil
}

func buildClient(opts *options) (*client.Client, error) {
	var cipher envelope.Cipher
	if opts.secure != 0 {
		c, err := envelope.NewCipher(opts.secret)
		if err != nil {
			return nil, err
		}
		cipher = c
	}
	return client.New(client.Options{
		Addr:    net.JoinHostPort(opts.ip, strconv.Itoa(opts.port)),
		Cipher:  cipher,
		Secure:  opts.secure != 0,
		Timeout: client.DefaultTimeout,
	})
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintf(stderr, "rr-query: %v\n", err)
		}
		return 2
	}

	c, err := buildClient(opts)
	if err != nil {
		fmt.Fprintf(stdout, "[EXCEPTION] %v\n", err)
		return 1
	}

	reply, err := c.Query(ctx, client.Request{
		Domain:   opts.domain,
		Type:     opts.qtype,
		Class:    opts.qclass,
		Protocol: opts.protocol,
	})
	fmt.Fprintln(stdout, client.Describe(reply, err))
	return 0
}
