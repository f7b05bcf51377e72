package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/rileyhilliard/fleet/internal/errors"
	"github.com/rileyhilliard/fleet/internal/events"
	"github.com/rileyhilliard/fleet/internal/server"
	"github.com/rileyhilliard/fleet/internal/ui"
)

func newEventsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Work with the event stream of a running 'fleet serve'",
	}
	cmd.AddCommand(newEventsTestCmd(a))
	return cmd
}

// EventsTestOptions holds options for the events test command.
type EventsTestOptions struct {
	Channel string
	Message string
	Server  string
	Timeout time.Duration
}

func newEventsTestCmd(a *app) *cobra.Command {
	var opts EventsTestOptions
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Broadcast a test event",
		Long: `Ask a running 'fleet serve' to broadcast a test.broadcast event, and report
how many websocket subscribers were connected.

Examples:
  fleet events test
  fleet events test --channel hosts --message "deploy starting"
  fleet events test --server http://fleet.internal:8088`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.eventsTest(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Channel, "channel", events.ChannelTest, "channel to publish on")
	f.StringVar(&opts.Message, "message", "", "message text (default: a timestamped greeting)")
	f.StringVar(&opts.Server, "server", "", "server base URL (default: from server.listen)")
	f.DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

// serverURL turns a listen address such as ":8088" into a base URL.
func serverURL(listen string) string {
	if strings.HasPrefix(listen, "http://") || strings.HasPrefix(listen, "https://") {
		return listen
	}
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "http://" + listen
}

func (a *app) eventsTest(cmd *cobra.Command, opts EventsTestOptions) error {
	base := opts.Server
	if base == "" {
		base = a.cfg.Server.Listen
	}
	base = serverURL(base)

	msg := opts.Message
	if msg == "" {
		msg = "fleet test event at " + time.Now().Format(time.RFC3339)
	}

	var (
		result  server.TestEventResponse
		problem server.ErrorResponse
	)
	resp, err := resty.New().
		SetBaseURL(base).
		SetTimeout(opts.Timeout).
		R().
		SetContext(cmd.Context()).
		SetBody(server.TestEventRequest{Channel: opts.Channel, Message: msg}).
		SetResult(&result).
		SetError(&problem).
		Post("/api/events/test")
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrNetwork,
			"Couldn't reach fleet server at "+base,
			"Start it with 'fleet serve', or point --server at it.")
	}
	if resp.IsError() {
		msg := problem.Error
		if msg == "" {
			msg = resp.Status()
		}
		return errors.New(errors.ErrExec, "Server refused the test event: "+msg, problem.Suggestion)
	}

	fmt.Fprintln(cmd.OutOrStdout(), ui.Success(fmt.Sprintf("Broadcast on %q to %d subscriber(s)", result.Channel, result.Subscribers)))
	return nil
}
