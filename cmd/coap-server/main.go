// coap-server boots a CoAP endpoint over UDP (or DTLS with --psk) and
// serves a small example resource tree, including the /.well-known/core
// link-format directory.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coapcore/coap/channel"
	dtlschannel "github.com/coapcore/coap/channel/dtls"
	udpchannel "github.com/coapcore/coap/channel/udp"
	"github.com/coapcore/coap/config"
	"github.com/coapcore/coap/endpoint"
	"github.com/coapcore/coap/exchange"
	"github.com/coapcore/coap/layer"
	"github.com/coapcore/coap/logging"
	"github.com/coapcore/coap/match"
	"github.com/coapcore/coap/message"
	"github.com/coapcore/coap/metrics"
	"github.com/coapcore/coap/resource"
)

const envPrefix = "COAP_"

func main() {
	var (
		pskIdentity string
		pskKey      string
	)

	root := &cobra.Command{
		Use:   "coap-server",
		Short: "CoAP server over UDP or DTLS",
		Long: "Serves an example CoAP resource tree. Configuration is read from\n" +
			"COAP_-prefixed environment variables (COAP_LISTEN_ADDR, COAP_ACK_TIMEOUT,...).",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envPrefix)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, pskIdentity, pskKey)
		},
	}
	root.Flags().StringVar(&pskIdentity, "psk-identity", "", "PSK identity hint; enables DTLS together with --psk")
	root.Flags().StringVar(&pskKey, "psk", "", "pre-shared key (hex); enables DTLS")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, pskIdentity, pskKey string) error {
	log := logging.New(logging.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	defer log.Sync()

	ch, err := buildChannel(cfg, pskIdentity, pskKey, log)
	if err != nil {
		return err
	}

	deduplicator := cfg.Dedup()
	defer deduplicator.Stop()
	matcher := match.New(deduplicator, cfg.Matcher(), log)

	root := resource.NewRoot()
	registerExampleResources(root)
	deliverer := resource.NewDeliverer(root, log)

	ep := endpoint.New(ch, matcher, endpoint.Config{Log: log})
	stack := layer.NewDefaultStack(deliverer, ep, layer.StackConfig{
		Registrar:   deliverer,
		Blockwise:   cfg.Blockwise(),
		Reliability: cfg.Reliability(),
	})
	ep.SetStack(stack)
	deliverer.BindStack(stack)

	mtr := metrics.New()
	mtr.Bind(ep)

	executor := endpoint.NewPoolExecutor(runtime.NumCPU(), 1024)
	if err := ep.Start(ctx, executor); err != nil {
		return err
	}
	log.Info("coap server started", zap.String("listen", cfg.ListenAddr))

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mtr.Handler()}
		g.Go(func() error {
			log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return ep.Stop(stopCtx)
	})

	return g.Wait()
}

func buildChannel(cfg config.Config, pskIdentity, pskKey string, log *zap.Logger) (channel.Channel, error) {
	if pskKey == "" {
		return udpchannel.New(udpchannel.Config{
			ListenAddr: cfg.ListenAddr,
			Buffers:    cfg.Buffers(),
			Log:        log,
		}), nil
	}

	key, err := decodeHex(pskKey)
	if err != nil {
		return nil, fmt.Errorf("decode --psk: %w", err)
	}
	return dtlschannel.New(dtlschannel.Config{
		ListenAddr:      cfg.ListenAddr,
		PSK:             func([]byte) ([]byte, error) { return key, nil },
		PSKIdentityHint: []byte(pskIdentity),
		Buffers:         cfg.Buffers(),
		Log:             log,
	}), nil
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		v, err := strconv.ParseUint(s[2*i:2*i+2], 16, 8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}

// registerExampleResources populates the demo tree the server ships
// with: a static greeting, an observable uptime, and an echo sink.
func registerExampleResources(root *resource.Resource) {
	hello := root.At("hello")
	hello.Attrs.Title = "greeting"
	hello.Attrs.ResourceType = []string{"demo"}
	hello.Handle(message.GET, func(ex *exchange.Exchange, req *message.Message) message.Message {
		resp := message.New(message.Acknowledgement, message.Content, req.ID)
		resp.Payload = []byte("hello")
		return resp
	})

	uptime := root.At("sys/uptime")
	uptime.Observable = true
	uptime.Attrs.ResourceType = []string{"uptime"}
	start := time.Now()
	uptime.Handle(message.GET, func(ex *exchange.Exchange, req *message.Message) message.Message {
		resp := message.New(message.Acknowledgement, message.Content, req.ID)
		resp.Payload = []byte(time.Since(start).Truncate(time.Second).String())
		return resp
	})

	echo := root.At("echo")
	echo.Handle(message.POST, func(ex *exchange.Exchange, req *message.Message) message.Message {
		resp := message.New(message.Acknowledgement, message.Changed, req.ID)
		resp.Payload = req.Payload
		return resp
	})
}
