package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"relay/internal/broker"
	"relay/internal/broker/paper"
	"relay/internal/checkpoint"
	"relay/internal/obs"
	"relay/internal/og"
	"relay/internal/order"
	"relay/internal/ratelimit"
	"relay/internal/registry"
	"relay/internal/risk"
	"relay/internal/schema"
	"relay/internal/store"
	"relay/internal/store/memstore"
	"relay/internal/watcher"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

const strategy = "paper"

func main() {
	users := flag.Int("users", 10, "Number of subscribed paper users")
	balance := flag.String("balance", "1000", "Available balance of every user")
	signals := flag.Int("signals", 3, "Number of signals to insert")
	interval := flag.Duration("interval", 200*time.Millisecond, "Delay between signals")
	cancelLast := flag.Bool("cancel-last", false, "Cancel the last signal right after inserting it")
	script := flag.String("script", "fill", "Exchange behaviour: fill, rest, partial, reject")
	latency := flag.Duration("latency", 5*time.Millisecond, "Simulated exchange latency per call")
	price := flag.String("price", "2500", "Signal price")
	leverage := flag.Int("leverage", 10, "Signal leverage")
	wait := flag.Duration("wait", 5*time.Second, "How long to wait for confirmations")
	flag.Parse()

	sc, err := parseScript(*script)
	if err != nil {
		fatal("%+v", err)
	}
	bal, err := decimal.NewFromString(*balance)
	if err != nil {
		fatal("invalid balance %q, err: %+v", *balance, err)
	}
	px, err := decimal.NewFromString(*price)
	if err != nil {
		fatal("invalid price %q, err: %+v", *price, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := memstore.New()
	seedUsers(st, *users, bal)

	exchange := paper.NewExchange(paper.Config{Latency: *latency, Script: sc})
	brokers := broker.NewRegistry()
	brokers.Register("paper", exchange.Factory())

	metrics := obs.NewMetrics()
	reg, err := registry.New(st, registry.Config{})
	if err != nil {
		fatal("registry init failed, err: %+v", err)
	}
	defer reg.Close()

	gate := risk.NewGate(risk.Config{DefaultPrecision: 3, DefaultMinQty: decimal.RequireFromString("0.001")})
	limiter := ratelimit.New(ratelimit.Config{})
	recon := og.NewReconciler(og.Config{PollDelay: 100 * time.Millisecond, PollInterval: 100 * time.Millisecond}, st, st, nil, metrics)
	dispatcher := order.NewDispatcher(order.Config{}, reg, gate, limiter, brokers, st, recon, metrics)
	defer dispatcher.Close()

	w := watcher.New(watcher.Config{}, st, dispatcher, checkpoint.NewMemory())
	go func() {
		_ = w.Run(ctx)
	}()

	for i := 1; i <= *signals; i++ {
		sig := schema.TradeSignal{
			ID:        fmt.Sprintf("paper-%d-%d", time.Now().Unix(), i),
			Strategy:  strategy,
			Symbol:    "ETHUSDT",
			Side:      schema.SideBuy,
			OrderType: schema.OrderTypeLimit,
			Price:     px,
			Leverage:  *leverage,
		}
		if err := st.InsertSignal(ctx, sig); err != nil {
			fatal("insert signal failed, err: %+v", err)
		}
		if *cancelLast && i == *signals {
			if err := st.CancelSignal(ctx, sig.ID); err != nil {
				fatal("cancel signal failed, err: %+v", err)
			}
		}
		time.Sleep(*interval)
	}

	deadline := time.Now().Add(*wait)
	for time.Now().Before(deadline) && !settled(st.Outcomes()) {
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	dispatcher.Wait()

	report(st.Outcomes(), exchange, metrics)
}

func fatal(format string, args ...any) {
	logs.Errorf(format, args...)
	os.Exit(1)
}

func parseScript(name string) (paper.Script, error) {
	switch strings.ToLower(name) {
	case "fill":
		return paper.FillImmediately, nil
	case "rest":
		return paper.RestThenFill(2), nil
	case "partial":
		return paper.PartialThenFill(decimal.RequireFromString("0.001")), nil
	case "reject":
		return paper.Reject, nil
	default:
		return nil, fmt.Errorf("unknown script %q", name)
	}
}

func seedUsers(st *memstore.Store, n int, balance decimal.Decimal) {
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("user-%03d", i)
		creds, _ := sonic.Marshal(schema.Credentials{Exchange: "paper", APIKey: id, APISecret: "paper"})
		st.PutUser(memstore.User{
			UserRecord: store.UserRecord{
				ID:               id,
				Email:            id + "@paper.local",
				Active:           true,
				MarginCurrency:   "USDT",
				AvailableBalance: balance,
				Credentials:      creds,
				Subscriptions: map[string]schema.Subscription{
					strategy: {Multiplier: decimal.NewFromInt(int64(1 + i%3)), Status: schema.SubscriptionStatusActive},
				},
			},
			Approved:    true,
			APIVerified: true,
		})
	}
}

func settled(outcomes []schema.OrderOutcome) bool {
	if len(outcomes) == 0 {
		return false
	}
	for _, o := range outcomes {
		if !o.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func report(outcomes []schema.OrderOutcome, exchange *paper.Exchange, metrics *obs.Metrics) {
	byStatus := make(map[schema.OrderStatus]int)
	for _, o := range outcomes {
		byStatus[o.Status]++
	}
	s := metrics.Snapshot()
	logs.Infof("paper completed: outcomes=%d by_status=%v placements=%d max_inflight=%d rejects=%v dispatch_avg=%s",
		len(outcomes), byStatus, len(exchange.Placements()), exchange.MaxInFlightTotal(), s.Rejects, s.Dispatch.Avg)
}
