// File: cmd/ipcctl/commands.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Subcommands of ipcctl.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/client"
	"github.com/momentics/hioload-ipc/control"
	"github.com/momentics/hioload-ipc/event"
	"github.com/momentics/hioload-ipc/protocol"
)

type globalOptions struct {
	config    string
	socketDir string
	address   string
	timeout   time.Duration
	verbose   bool
}

func (o *globalOptions) loadConfig() (control.Config, error) {
	cfg := control.Defaults()
	if o.config != "" {
		var err error
		if cfg, err = control.Load(o.config); err != nil {
			return cfg, err
		}
	}
	if o.socketDir != "" {
		cfg.SocketDir = o.socketDir
	}
	if o.timeout > 0 {
		cfg.DefaultTimeout = o.timeout
	}
	if o.verbose {
		cfg.Log.Enabled = true
		cfg.Log.Format = "console"
	}
	return cfg, cfg.Validate()
}

// runtime builds a client runtime whose default connection targets the
// --address flag.
func (o *globalOptions) runtime() (*client.Runtime, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	rt, err := client.NewRuntime(cfg, client.WithLogOutput(os.Stderr))
	if err != nil {
		return nil, err
	}
	if o.address != "" {
		if err := rt.SetDefault(o.address); err != nil {
			_ = rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

func (o *globalOptions) context(parent context.Context) (context.Context, context.CancelFunc) {
	if o.timeout > 0 {
		return context.WithTimeout(parent, o.timeout)
	}
	return context.WithCancel(parent)
}

func newInvokeCmd(opts *globalOptions) *cobra.Command {
	var serviceID uint32
	cmd := &cobra.Command{
		Use:   "invoke SERVICE [ARG...]",
		Short: "Invoke a service and print its response",
		Long: `Invoke sends one request to SERVICE. Arguments are typed by prefix:
i:N (int32), u:N (uint32), l:N (int64), d:F (double), x:HEX (binary),
null, and anything else is sent as a string.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()

			s, err := rt.NewSession(api.ConnDefault, args[0], serviceID, api.SessionCancelable)
			if err != nil {
				return err
			}
			defer s.Destroy()
			for _, a := range args[1:] {
				if err := addArg(s.Output(), a); err != nil {
					return err
				}
			}

			ctx, cancel := opts.context(cmd.Context())
			defer cancel()
			code, err := s.Invoke(ctx)
			if err != nil {
				return err
			}
			return printResponse(cmd.OutOrStdout(), code, s.Response())
		},
	}
	cmd.Flags().Uint32Var(&serviceID, "service-id", 0, "numeric service identifier")
	return cmd
}

func addArg(m *protocol.Message, a string) error {
	kind, val, ok := strings.Cut(a, ":")
	if !ok {
		if a == "null" {
			m.AddNull()
		} else {
			m.AddString(a)
		}
		return nil
	}
	switch kind {
	case "i":
		n, err := strconv.ParseInt(val, 0, 32)
		if err != nil {
			return fmt.Errorf("argument %q: %w", a, err)
		}
		m.AddInt32(int32(n))
	case "u":
		n, err := strconv.ParseUint(val, 0, 32)
		if err != nil {
			return fmt.Errorf("argument %q: %w", a, err)
		}
		m.AddUint32(uint32(n))
	case "l":
		n, err := strconv.ParseInt(val, 0, 64)
		if err != nil {
			return fmt.Errorf("argument %q: %w", a, err)
		}
		m.AddInt64(n)
	case "d":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("argument %q: %w", a, err)
		}
		m.AddDouble(f)
	case "x":
		b, err := parseHex(val)
		if err != nil {
			return fmt.Errorf("argument %q: %w", a, err)
		}
		m.AddBinary(b)
	default:
		m.AddString(a)
	}
	return nil
}

func parseHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd hex length")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		n, err := strconv.ParseUint(s[2*i:2*i+2], 16, 8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(n)
	}
	return out, nil
}

func printResponse(w io.Writer, code int32, m *protocol.Message) error {
	fmt.Fprintf(w, "code: %d\n", code)
	for i := 0; i < m.Len(); i++ {
		v, err := m.At(i)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  [%d] %s %s\n", i, v.Kind, v.String())
	}
	return nil
}

func newPingCmd(opts *globalOptions) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Connect to a server and measure ping round trips",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := opts.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := opts.context(cmd.Context())
			defer cancel()
			addr := rt.DefaultAddress()
			start := time.Now()
			st, err := rt.Connect(ctx, addr)
			if err != nil {
				return err
			}
			defer st.Close()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "connected to %s in %s (peer order %s)\n", addr, time.Since(start), st.PeerOrder())

			for i := 0; i < count; i++ {
				if d, ok := ctx.Deadline(); ok {
					_ = st.SetDeadline(d)
				}
				ts := uint32(time.Now().UnixNano())
				start = time.Now()
				if err := protocol.WritePing(st, ts); err != nil {
					return err
				}
				echo, err := st.ReadUint32()
				if err != nil {
					return err
				}
				if echo != ts {
					return api.NewError(api.ErrCodeProtocol, "ping echo mismatch")
				}
				fmt.Fprintf(out, "ping %d: %s\n", i+1, time.Since(start))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of pings")
	return cmd
}

func newListenCmd(opts *globalOptions) *cobra.Command {
	var (
		services []string
		hosts    []string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "listen [CHANNEL]",
		Short: "Print events published on a channel",
		Long: `Listen registers an event handler and prints every delivered event.
Each --service takes SERVICE or SERVICE=TYPE,TYPE,... ; without any
--service every event is printed, including channel state changes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := opts.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()
			sys, err := event.NewSystem(rt)
			if err != nil {
				return err
			}
			defer sys.Shutdown()

			target, err := parseTarget(services)
			if err != nil {
				return err
			}
			attr := event.HandlerAttr{Target: target}
			if len(hosts) > 0 {
				attr.HostSet = "ipcctl"
				if err := sys.CreateHostSet(attr.HostSet); err != nil {
					return err
				}
				for _, h := range hosts {
					if _, err := sys.AddHost(attr.HostSet, h); err != nil {
						return err
					}
				}
			}
			channel := rt.DefaultAddress().Channel
			if len(args) == 1 {
				channel = args[0]
			}

			out := cmd.OutOrStdout()
			id, err := sys.AddHandler(channel, func(ev *event.Event, _ any) {
				printEvent(out, ev)
			}, attr)
			if err != nil {
				return err
			}
			defer sys.RemoveHandler(id)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&services, "service", "s", nil, "service filter, repeatable")
	cmd.Flags().StringArrayVar(&hosts, "host", nil, "remote server host:port, repeatable")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "stop after this long")
	return cmd
}

func parseTarget(filters []string) (api.TargetSet, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	ts := api.TargetSet{}
	for _, filter := range filters {
		svc, types, ok := strings.Cut(filter, "=")
		if !ok {
			ts.Add(svc, api.EventMaskAll)
			continue
		}
		var mask api.EventMask
		for _, t := range strings.Split(types, ",") {
			n, err := strconv.ParseUint(strings.TrimSpace(t), 10, 8)
			if err != nil || n > 63 {
				return nil, fmt.Errorf("bad event type %q in %q", t, filter)
			}
			mask |= api.MaskOf(api.EventType(n))
		}
		ts.Add(svc, mask)
	}
	return ts, nil
}

func printEvent(w io.Writer, ev *event.Event) {
	ts := ev.Time().Format(time.RFC3339Nano)
	host := ev.Host()
	if host == "" {
		host = "local"
	}
	if ev.IsChannelState() {
		state := "down"
		if ev.Up() {
			state = "up"
		}
		fmt.Fprintf(w, "%s %s@%s channel %s (type %d, %s)\n", ts, ev.Channel(), host, state, ev.Type(), ev.DownCode())
		return
	}
	fmt.Fprintf(w, "%s %s@%s #%d %s type %d\n", ts, ev.Channel(), host, ev.Serial(), ev.Service(), ev.Type())
	if p := ev.Payload(); p != nil {
		for i := 0; i < p.Len(); i++ {
			if v, err := p.At(i); err == nil {
				fmt.Fprintf(w, "  [%d] %s %s\n", i, v.Kind, v.String())
			}
		}
	}
}

func newStatsCmd(opts *globalOptions) *cobra.Command {
	var services []string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Exercise the default connection and dump runtime state as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := opts.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()
			for _, svc := range services {
				s, err := rt.NewSession(api.ConnDefault, svc, 0, 0)
				if err != nil {
					return err
				}
				ctx, cancel := opts.context(cmd.Context())
				_, err = s.Invoke(ctx)
				cancel()
				_ = s.Destroy()
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", svc, err)
				}
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(map[string]any{
				"runtime": rt.ID(),
				"config":  rt.Config(),
				"state":   rt.DumpState(),
			})
		},
	}
	cmd.Flags().StringArrayVarP(&services, "invoke", "i", nil, "service to invoke before dumping, repeatable")
	return cmd
}
