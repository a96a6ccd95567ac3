package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/client"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/pairing"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/wire"
)

func newPairCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "pair <uri>",
		Short: "Pair with a host using its pairing URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := pairing.Decode(args[0])
			if err != nil {
				return err
			}
			if name == "" {
				name = desc.Host
			}

			store, err := client.NewHostStore(flagHome)
			if err != nil {
				return err
			}

			conn := client.NewConn(client.NewTransport())
			defer conn.Close()

			if err := conn.Connect(desc); err != nil {
				return fmt.Errorf("pair with %s: %w", desc.Host, err)
			}

			err = store.Save(client.KnownHost{
				Name:          name,
				URI:           args[0],
				SessionToken:  conn.SessionToken(),
				LastSessionID: conn.SessionID(),
			})
			if err != nil {
				return err
			}

			fmt.Printf("Paired with %s as %q (session %s)\n", desc.Host, name, conn.SessionID())
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "alias to store the host under (default: host address)")
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		hostName string
		uri      string
		mode     string
		timeout  int
	)

	cmd := &cobra.Command{
		Use:   "run <command...>",
		Short: "Relay an assistant command and stream its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openConn(hostName, uri)
			if err != nil {
				return err
			}
			defer conn.Close()

			detach := conn.OnLine(printLine)
			defer detach()

			command := joinArgs(args)
			opts := wire.ExecuteOptions{Mode: mode, TimeoutSeconds: timeout}
			if err := conn.SubmitCommand(command, opts); err != nil {
				return err
			}
			return waitIdle(conn, commandDeadline(timeout))
		},
	}

	cmd.Flags().StringVar(&hostName, "host", "", "known host alias to connect to")
	cmd.Flags().StringVar(&uri, "uri", "", "pairing URI to connect to directly")
	cmd.Flags().StringVar(&mode, "mode", "", "execution mode (interactive for a pty)")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "execution timeout in seconds (host default when 0)")
	return cmd
}

func newGitCmd() *cobra.Command {
	var (
		hostName string
		uri      string
		staged   bool
		file     string
		limit    int
		message  string
		addAll   bool
	)

	cmd := &cobra.Command{
		Use:   "git <operation>",
		Short: "Relay a git operation (status, diff, log, branch, commit)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openConn(hostName, uri)
			if err != nil {
				return err
			}
			defer conn.Close()

			detach := conn.OnLine(printLine)
			defer detach()

			options := map[string]string{}
			if staged {
				options["staged"] = "true"
			}
			if file != "" {
				options["file"] = file
			}
			if limit > 0 {
				options["limit"] = fmt.Sprintf("%d", limit)
			}
			if message != "" {
				options["message"] = message
			}
			if addAll {
				options["add_all"] = "true"
			}

			if err := conn.SubmitGit(args[0], options); err != nil {
				return err
			}
			return waitIdle(conn, commandDeadline(0))
		},
	}

	cmd.Flags().StringVar(&hostName, "host", "", "known host alias to connect to")
	cmd.Flags().StringVar(&uri, "uri", "", "pairing URI to connect to directly")
	cmd.Flags().BoolVar(&staged, "staged", false, "diff: show staged changes")
	cmd.Flags().StringVar(&file, "file", "", "diff: restrict to one file")
	cmd.Flags().IntVar(&limit, "limit", 0, "log: number of entries")
	cmd.Flags().StringVar(&message, "message", "", "commit: commit message")
	cmd.Flags().BoolVar(&addAll, "add-all", false, "commit: stage all changes first")
	return cmd
}

func newHostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "List paired hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := client.NewHostStore(flagHome)
			if err != nil {
				return err
			}
			hosts, err := store.Load()
			if err != nil {
				return err
			}
			if len(hosts) == 0 {
				fmt.Println("No paired hosts. Use 'remote pair <uri>' to add one.")
				return nil
			}
			names, err := store.Names()
			if err != nil {
				return err
			}
			for _, name := range names {
				h := hosts[name]
				d, err := h.Descriptor()
				if err != nil {
					fmt.Printf("%-16s (invalid URI)\n", name)
					continue
				}
				fmt.Printf("%-16s %s:%d\n", name, d.Host, d.Port)
			}
			return nil
		},
	}
}

func newSessionsCmd() *cobra.Command {
	var (
		hostName string
		uri      string
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List active sessions on a host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, _, err := resolveDescriptor(hostName, uri)
			if err != nil {
				return err
			}

			httpClient := &http.Client{Timeout: 10 * time.Second}
			resp, err := httpClient.Get(desc.StatusBaseURL() + "/v1/sessions")
			if err != nil {
				return fmt.Errorf("query %s: %w", desc.Host, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("host returned %s", resp.Status)
			}

			var pretty json.RawMessage = body
			out, err := json.MarshalIndent(pretty, "", "  ")
			if err != nil {
				fmt.Println(string(body))
				return nil
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&hostName, "host", "", "known host alias to query")
	cmd.Flags().StringVar(&uri, "uri", "", "pairing URI of the host to query")
	return cmd
}

// resolveDescriptor turns --uri or --host into a connection descriptor. When a
// known host carries a session token from a previous pairing, it is returned
// so the caller can present it instead of the pairing token.
func resolveDescriptor(hostName, uri string) (pairing.Descriptor, string, error) {
	if uri != "" {
		d, err := pairing.Decode(uri)
		return d, "", err
	}

	store, err := client.NewHostStore(flagHome)
	if err != nil {
		return pairing.Descriptor{}, "", err
	}

	if hostName == "" {
		names, err := store.Names()
		if err != nil {
			return pairing.Descriptor{}, "", err
		}
		switch len(names) {
		case 0:
			return pairing.Descriptor{}, "", fmt.Errorf("no paired hosts; pass --uri or run 'remote pair' first")
		case 1:
			hostName = names[0]
		default:
			return pairing.Descriptor{}, "", fmt.Errorf("multiple paired hosts; pick one with --host")
		}
	}

	h, ok, err := store.Get(hostName)
	if err != nil {
		return pairing.Descriptor{}, "", err
	}
	if !ok {
		return pairing.Descriptor{}, "", fmt.Errorf("unknown host %q", hostName)
	}
	d, err := h.Descriptor()
	if err != nil {
		return pairing.Descriptor{}, "", fmt.Errorf("stored URI for %q: %w", hostName, err)
	}
	return d, h.SessionToken, nil
}

// openConn connects to the resolved host, preferring the stored session token
// over the pairing token when one exists.
func openConn(hostName, uri string) (*client.Conn, error) {
	desc, sessionToken, err := resolveDescriptor(hostName, uri)
	if err != nil {
		return nil, err
	}
	if sessionToken != "" {
		desc.Token = sessionToken
	}

	conn := client.NewConn(client.NewTransport())
	if err := conn.Connect(desc); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to %s: %w", desc.Host, err)
	}
	return conn, nil
}

// waitIdle blocks until the outstanding command reaches a terminal response
// or the connection leaves the connected state.
func waitIdle(conn *client.Conn, deadline time.Duration) error {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !conn.Executing() {
				return nil
			}
			if conn.CurrentState() != client.StateConnected {
				return fmt.Errorf("connection lost while waiting for output")
			}
		case <-timer.C:
			return fmt.Errorf("timed out waiting for output")
		}
	}
}

// commandDeadline pads the requested execution timeout so the host side
// always times out first.
func commandDeadline(timeoutSeconds int) time.Duration {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 300
	}
	return time.Duration(timeoutSeconds)*time.Second + 30*time.Second
}

func printLine(l client.Line) {
	switch l.Kind {
	case client.LineCommand:
		fmt.Printf("> %s\n", l.Text)
	case client.LineError:
		fmt.Fprintf(os.Stderr, "error: %s\n", l.Text)
	case client.LineSystem:
		fmt.Printf("* %s\n", l.Text)
	default:
		fmt.Print(ensureNewline(l.Text))
	}
}

func ensureNewline(s string) string {
	if len(s) == 0 || s[len(s)-1] == '\n' {
		return s
	}
	return s + "\n"
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}
