// coap-client issues a single CoAP request (or holds an observe
// registration) against a coap:// or coaps:// URI and prints the
// response.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	udpchannel "github.com/coapcore/coap/channel/udp"
	"github.com/coapcore/coap/client"
	"github.com/coapcore/coap/config"
	"github.com/coapcore/coap/logging"
	"github.com/coapcore/coap/message"
)

const envPrefix = "COAP_"

func main() {
	var (
		timeout       time.Duration
		payload       string
		contentFormat uint32
	)

	newClient := func(ctx context.Context) (*client.Client, error) {
		cfg, err := config.Load(envPrefix)
		if err != nil {
			return nil, err
		}
		log := logging.New(logging.Config{Level: cfg.LogLevel})
		ch := udpchannel.New(udpchannel.Config{ListenAddr: ":0", Buffers: cfg.Buffers(), Log: log})
		return client.New(ctx, ch, cfg, log)
	}

	printResponse := func(resp *message.Message) {
		fmt.Printf("%s\n", resp.Code)
		if len(resp.Payload) > 0 {
			os.Stdout.Write(resp.Payload)
			fmt.Println()
		}
	}

	root := &cobra.Command{
		Use:   "coap-client",
		Short: "CoAP command-line client",
	}
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall request deadline")

	for _, m := range []struct {
		name string
		code message.Code
		body bool
	}{
		{"get", message.GET, false},
		{"post", message.POST, true},
		{"put", message.PUT, true},
		{"delete", message.DELETE, false},
	} {
		m := m
		cmd := &cobra.Command{
			Use:   m.name + " URI",
			Short: "issue a confirmable " + m.name + " request",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()

				c, err := newClient(ctx)
				if err != nil {
					return err
				}
				defer c.Close(context.Background())

				req, err := client.NewRequest(m.code, args[0])
				if err != nil {
					return err
				}
				if m.body {
					req.Payload = []byte(payload)
					req.SetOption(message.ContentFormat, contentFormat)
				}
				resp, err := c.Do(ctx, req)
				if err != nil {
					return err
				}
				printResponse(resp)
				return nil
			},
		}
		if m.body {
			cmd.Flags().StringVar(&payload, "payload", "", "request body")
			cmd.Flags().Uint32Var(&contentFormat, "content-format", 0, "Content-Format option value")
		}
		root.AddCommand(cmd)
	}

	observe := &cobra.Command{
		Use:   "observe URI",
		Short: "register an observe relation and print notifications until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := newClient(ctx)
			if err != nil {
				return err
			}
			defer c.Close(context.Background())

			registerCtx, cancelRegister := context.WithTimeout(ctx, timeout)
			defer cancelRegister()

			cancelObserve, err := c.Observe(registerCtx, args[0], func(resp *message.Message) {
				printResponse(resp)
			})
			if err != nil {
				return err
			}

			<-ctx.Done()
			return cancelObserve()
		},
	}
	root.AddCommand(observe)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
