// Command probe connects to a running relay and exercises one capability, for
// smoke-testing a deployment.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/freedomjs/radiatus-providers/buffercache"
	"github.com/freedomjs/radiatus-providers/client"
)

type probeFlags struct {
	url        string
	origin     string
	username   string
	secret     string
	capability string
	algorithm  string
	size       int
	timeout    time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	f := &probeFlags{}
	cmd := &cobra.Command{
		Use:          "probe",
		Short:        "Exercise a radiatus-providers relay",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			defer glog.Flush()
			return run(ctx, f)
		},
	}
	cmd.Flags().StringVar(&f.url, "url", getEnv("PROBE_URL", "ws://localhost:8082/probe"), "relay WebSocket URL")
	cmd.Flags().StringVar(&f.origin, "origin", "http://localhost", "Origin header")
	cmd.Flags().StringVar(&f.username, "user", "probe", "username")
	cmd.Flags().StringVar(&f.secret, "secret", os.Getenv("RADIATUS_SECRET"), "shared secret")
	cmd.Flags().StringVar(&f.capability, "capability", "storage", "storage, transport or social")
	cmd.Flags().StringVar(&f.algorithm, "hash", string(buffercache.MD5), "content hash algorithm the relay uses")
	cmd.Flags().IntVar(&f.size, "size", 64<<10, "binary payload size in bytes")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "per-request timeout")
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	return cmd
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func run(ctx context.Context, f *probeFlags) error {
	alg, err := buffercache.ParseAlgorithm(f.algorithm)
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	c, err := client.Dial(dialCtx, f.url, client.Options{
		Username:   f.username,
		Secret:     f.secret,
		Capability: f.capability,
		Origin:     f.origin,
		Algorithm:  alg,
	})
	if err != nil {
		return err
	}
	defer c.Close()
	glog.Infof("Connected as %s", c.UserID())

	switch f.capability {
	case "storage":
		return probeStorage(ctx, c, f)
	case "transport":
		return probeTransport(ctx, c, f)
	default:
		return probeSocial(ctx, c)
	}
}

func probeStorage(ctx context.Context, c *client.Client, f *probeFlags) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if _, err := c.Set(ctx, "probe-text", time.Now().Format(time.RFC3339)); err != nil {
		return err
	}
	payload := randomBytes(f.size)
	for i := 0; i < 2; i++ {
		if _, err := c.SetBinary(ctx, "probe-binary", payload); err != nil {
			return err
		}
	}
	v, err := c.Get(ctx, "probe-binary")
	if err != nil {
		return err
	}
	if v == nil || !bytes.Equal(v.Data, payload) {
		return fmt.Errorf("binary round trip mismatch")
	}
	keys, err := c.Keys(ctx)
	if err != nil {
		return err
	}
	glog.Infof("Storage ok: keys=%v uploads=%d (expected 1)", keys, c.Uploads())
	return nil
}

func probeTransport(ctx context.Context, c *client.Client, f *probeFlags) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	payload := randomBytes(f.size)
	hash, err := c.Send(ctx, "probe", payload)
	if err != nil {
		return err
	}
	data, err := c.Receive(ctx, "probe", hash)
	if err != nil {
		return err
	}
	if !bytes.Equal(data, payload) {
		return fmt.Errorf("transport round trip mismatch")
	}
	glog.Infof("Transport ok: %s (%d bytes)", hash, len(data))
	return nil
}

func probeSocial(ctx context.Context, c *client.Client) error {
	glog.Infof("Roster: %v", c.Roster())
	if err := c.Ping(); err != nil {
		return err
	}
	for {
		ev, err := c.NextEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch ev.Cmd {
		case "roster":
			glog.Infof("%s online=%t", ev.UserID, ev.Online)
		case "message":
			glog.Infof("Message from %s: %s", ev.From, ev.Msg)
		default:
			glog.Infof("Event %s", ev.Cmd)
		}
	}
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}
