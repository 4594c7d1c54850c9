package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/epithetd/internal/config"
	"github.com/loykin/epithetd/pkg/client"
)

// command binds the CLI handlers to an output stream.
type command struct {
	global *GlobalFlags
	out    io.Writer
}

func newCommand(global *GlobalFlags, cmd *cobra.Command) *command {
	return &command{global: global, out: cmd.OutOrStdout()}
}

// apiURL resolves the daemon address: the flag wins, then the listen
// address of the config file, then the built-in default.
func (c *command) apiURL() (string, error) {
	if c.global.APIUrl != "" {
		return c.global.APIUrl, nil
	}
	if c.global.ConfigPath == "" {
		return client.DefaultBaseURL, nil
	}
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return "", err
	}
	return baseURLFor(cfg.Server), nil
}

func baseURLFor(s config.ServerConfig) string {
	host, port, err := net.SplitHostPort(s.Listen)
	if err != nil {
		return client.DefaultBaseURL
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	base := "/" + strings.Trim(s.BasePath, "/")
	if base == "/" {
		base = ""
	}
	return "http://" + net.JoinHostPort(host, port) + base
}

// client returns an API client for a reachable daemon.
func (c *command) client(ctx context.Context) (*client.Client, error) {
	url, err := c.apiURL()
	if err != nil {
		return nil, err
	}
	cl := client.New(client.Config{BaseURL: url, Timeout: c.global.APITimeout})
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start it first with 'epithetd serve'", url)
	}
	return cl, nil
}

func (c *command) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *command) printBrokers(brokers []client.Broker) error {
	if c.global.JSON {
		return c.printJSON(brokers)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATUS\tPID\tUPTIME\tCA URLS")
	for _, b := range brokers {
		pid, uptime, urls := "-", "-", ""
		if b.State.PID > 0 {
			pid = fmt.Sprint(b.State.PID)
		}
		if b.StartedAt != nil {
			uptime = time.Since(*b.StartedAt).Truncate(time.Second).String()
		}
		if b.Config != nil {
			urls = strings.Join(b.Config.CAURLs, ",")
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", b.Name, b.Status, pid, uptime, urls)
	}
	return tw.Flush()
}

// Status prints all brokers, or only the named ones.
func (c *command) Status(ctx context.Context, names []string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		all, err := cl.List(ctx)
		if err != nil {
			return err
		}
		return c.printBrokers(all)
	}
	out := make([]client.Broker, 0, len(names))
	for _, n := range names {
		b, err := cl.Get(ctx, n)
		if err != nil {
			return fmt.Errorf("%s: %w", n, err)
		}
		out = append(out, b)
	}
	return c.printBrokers(out)
}

// Action runs start, stop or toggle on each named broker.
func (c *command) Action(ctx context.Context, verb string, names []string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	var (
		out  []client.Broker
		errs []error
	)
	for _, n := range names {
		var b client.Broker
		switch verb {
		case "start":
			b, err = cl.Start(ctx, n)
		case "stop":
			b, err = cl.Stop(ctx, n)
		case "toggle":
			b, err = cl.Toggle(ctx, n)
		default:
			return fmt.Errorf("unknown action %q", verb)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n, err))
			continue
		}
		out = append(out, b)
	}
	if len(out) > 0 {
		if err := c.printBrokers(out); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}

// Logs prints the captured output of a broker. With follow set it keeps
// printing what was appended until ctx ends.
func (c *command) Logs(ctx context.Context, name string, f LogsFlags) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if f.Clear {
		return cl.ClearLogs(ctx, name)
	}
	text, err := cl.Logs(ctx, name)
	if err != nil {
		return err
	}
	_, _ = io.WriteString(c.out, text)
	if !f.Follow {
		return nil
	}
	if f.Interval <= 0 {
		f.Interval = time.Second
	}
	t := time.NewTicker(f.Interval)
	defer t.Stop()
	prev := text
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		next, err := cl.Logs(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		// The buffer is capped from the front, so print only what is new
		// when the old text is still a prefix and everything otherwise.
		if strings.HasPrefix(next, prev) {
			_, _ = io.WriteString(c.out, next[len(prev):])
		} else if next != prev {
			_, _ = io.WriteString(c.out, next)
		}
		prev = next
	}
}

func (c *command) Inspect(ctx context.Context, name string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	out, err := cl.Inspect(ctx, name)
	if err != nil {
		return err
	}
	_, _ = io.WriteString(c.out, out)
	return nil
}

func (c *command) Stats(ctx context.Context, name string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	st, err := cl.Stats(ctx, name)
	if err != nil {
		return err
	}
	if c.global.JSON {
		return c.printJSON(st)
	}
	_, err = fmt.Fprintf(c.out, "pid %d  rss %d bytes  cpu %.1f%%  since %s\n",
		st.PID, st.RSSBytes, st.CPUPercent, st.CreatedAt.Format(time.RFC3339))
	return err
}

func (c *command) BrokerAdd(ctx context.Context, name string, f BrokerAddFlags) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	saved, err := cl.Add(ctx, client.BrokerConfig{
		Name:             name,
		CAURLs:           f.CAURLs,
		AuthMethod:       f.AuthMethod,
		OIDCIssuer:       f.OIDCIssuer,
		OIDCClientID:     f.OIDCClientID,
		OIDCClientSecret: f.OIDCClientSecret,
		AuthCommand:      f.AuthCommand,
		CATimeout:        f.CATimeout,
		CACooldown:       f.CACooldown,
		StartOnLogin:     !f.NoStartOnLogin,
		Verbosity:        f.Verbosity,
	})
	if err != nil {
		return err
	}
	if c.global.JSON {
		return c.printJSON(saved)
	}
	_, err = fmt.Fprintf(c.out, "added broker %q\n", saved.Name)
	return err
}

func (c *command) BrokerRemove(ctx context.Context, names []string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, n := range names {
		if err := cl.Remove(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n, err))
			continue
		}
		_, _ = fmt.Fprintf(c.out, "removed broker %q\n", n)
	}
	return errors.Join(errs...)
}

func (c *command) BrokerRename(ctx context.Context, oldName, newName string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := cl.Rename(ctx, oldName, newName); err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.out, "renamed broker %q to %q\n", oldName, newName)
	return err
}
