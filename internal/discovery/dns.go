package discovery

import (
	"context"
	stderrors "errors"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/anstrom/subwatch/internal/errors"
)

const (
	defaultDNSConcurrency = 20
	defaultDNSRate        = 50
	defaultQueryTimeout   = 5 * time.Second
)

// exchanger is the part of *dns.Client the stage needs.
type exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

// DNSOptions configures a DNSStage.
type DNSOptions struct {
	Resolvers         []string
	Concurrency       int
	RequestsPerSecond float64
	QueryTimeout      time.Duration
	StageTimeout      time.Duration
}

// DNSStage is the built-in liveness filter. A host is alive when any
// resolver returns an A, AAAA or CNAME answer for it.
type DNSStage struct {
	client      exchanger
	resolvers   []string
	concurrency int
	limiter     *rate.Limiter
	timeout     time.Duration
	next        atomic.Uint32
}

// NewDNSStage creates a DNS liveness stage.
func NewDNSStage(opts DNSOptions) *DNSStage {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultDNSConcurrency
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = defaultDNSRate
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = DefaultStageTimeout
	}

	resolvers := make([]string, 0, len(opts.Resolvers))
	for _, r := range opts.Resolvers {
		if !strings.Contains(r, ":") {
			r += ":53"
		}
		resolvers = append(resolvers, r)
	}

	return &DNSStage{
		client:      &dns.Client{Net: "udp", Timeout: opts.QueryTimeout},
		resolvers:   resolvers,
		concurrency: opts.Concurrency,
		limiter:     rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Concurrency),
		timeout:     opts.StageTimeout,
	}
}

// Name implements Stage.
func (d *DNSStage) Name() string {
	return StageLiveness
}

// Run implements Stage. Output keeps input order. Lookup errors for a
// single host count as not alive; running out of time fails the stage.
func (d *DNSStage) Run(ctx context.Context, input []string) ([]string, error) {
	hosts := normalizeLines(strings.Join(input, "\n"))
	if len(hosts) == 0 {
		return []string{}, nil
	}
	if len(d.resolvers) == 0 {
		return nil, errors.NewStageFailure(StageLiveness, -1, "no resolvers configured", nil)
	}

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	alive := make([]bool, len(hosts))
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(d.concurrency)

	for i, host := range hosts {
		i, host := i, host
		g.Go(func() error {
			ok, err := d.resolves(gctx, hostname(host))
			if err != nil {
				return err
			}
			alive[i] = ok
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if stderrors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, errors.NewStageTimeout(StageLiveness, err)
		}
		return nil, errors.NewStageFailure(StageLiveness, -1, "", err)
	}

	out := make([]string, 0, len(hosts))
	for i, host := range hosts {
		if alive[i] {
			out = append(out, host)
		}
	}
	return out, nil
}

// resolves returns an error only when ctx is done.
func (d *DNSStage) resolves(ctx context.Context, host string) (bool, error) {
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		if err := d.limiter.Wait(ctx); err != nil {
			return false, err
		}

		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true

		resolver := d.resolvers[int(d.next.Add(1))%len(d.resolvers)]
		resp, _, err := d.client.ExchangeContext(ctx, msg, resolver)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			continue
		}
		for _, rr := range resp.Answer {
			switch rr.(type) {
			case *dns.A, *dns.AAAA, *dns.CNAME:
				return true, nil
			}
		}
	}
	return false, nil
}

// hostname strips a scheme, port and path so URL-shaped entries can be
// resolved.
func hostname(entry string) string {
	if strings.Contains(entry, "://") {
		if u, err := url.Parse(entry); err == nil {
			return u.Hostname()
		}
	}
	if i := strings.IndexAny(entry, ":/"); i >= 0 {
		return entry[:i]
	}
	return entry
}
