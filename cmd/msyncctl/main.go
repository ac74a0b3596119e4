package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/matheus3301/msync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := newClient(session.SocketPath(sessionName))

	switch args[0] {
	case "status":
		cmdStatus(c, *jsonFlag)
	case "flush":
		cmdFlush(c, *jsonFlag)
	case "open":
		requireArgs(args, 2, "msyncctl open <conversation>")
		cmdPost(c, "/v1/conversations/"+args[1]+"/open", nil)
	case "close":
		requireArgs(args, 2, "msyncctl close <conversation>")
		cmdPost(c, "/v1/conversations/"+args[1]+"/close", nil)
	case "messages":
		requireArgs(args, 2, "msyncctl messages <conversation>")
		cmdMessages(c, args[1], *jsonFlag)
	case "send":
		requireArgs(args, 3, "msyncctl send <conversation> <body>")
		cmdPost(c, "/v1/conversations/"+args[1]+"/messages", map[string]string{"body": args[2]})
	case "login":
		requireArgs(args, 3, "msyncctl login <access-token> <refresh-token>")
		cmdPost(c, "/v1/login", map[string]string{
			"accessToken":  args[1],
			"refreshToken": args[2],
		})
	case "logout":
		cmdPost(c, "/v1/logout", nil)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: msyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                    Show daemon status")
	fmt.Fprintln(os.Stderr, "  flush                     Replay the offline queue now")
	fmt.Fprintln(os.Stderr, "  open <conversation>       Open a conversation (join its room)")
	fmt.Fprintln(os.Stderr, "  close <conversation>      Close a conversation")
	fmt.Fprintln(os.Stderr, "  messages <conversation>   List cached messages")
	fmt.Fprintln(os.Stderr, "  send <conversation> <body> Send a message")
	fmt.Fprintln(os.Stderr, "  login <access> <refresh>  Adopt a credential pair")
	fmt.Fprintln(os.Stderr, "  logout                    Clear the session credential")
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, "usage: "+usage)
		os.Exit(1)
	}
}

type client struct {
	http *http.Client
}

func newClient(socketPath string) *client {
	return &client{http: &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
		Timeout: 30 * time.Second,
	}}
}

func (c *client) do(method, path string, body any) []byte {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, "http://unix"+path, reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", resp.Status, respBody)
		os.Exit(1)
	}
	return respBody
}

func cmdStatus(c *client, jsonOut bool) {
	body := c.do(http.MethodGet, "/v1/status", nil)
	if jsonOut {
		fmt.Println(string(body))
		return
	}
	var status struct {
		Session       string `json:"session"`
		Authenticated bool   `json:"authenticated"`
		Online        bool   `json:"online"`
		Channels      map[string]struct {
			State     string `json:"state"`
			LastError string `json:"lastError"`
		} `json:"channels"`
		Queue struct {
			Pending int  `json:"pending"`
			Syncing bool `json:"syncing"`
		} `json:"queue"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Session:       %s\n", status.Session)
	fmt.Printf("Authenticated: %v\n", status.Authenticated)
	fmt.Printf("Online:        %v\n", status.Online)
	fmt.Printf("Queue:         %d pending (syncing: %v)\n", status.Queue.Pending, status.Queue.Syncing)
	for name, ch := range status.Channels {
		if ch.LastError != "" {
			fmt.Printf("Channel %-16s %s (%s)\n", name+":", ch.State, ch.LastError)
		} else {
			fmt.Printf("Channel %-16s %s\n", name+":", ch.State)
		}
	}
}

func cmdFlush(c *client, jsonOut bool) {
	body := c.do(http.MethodPost, "/v1/queue/flush", nil)
	if jsonOut {
		fmt.Println(string(body))
		return
	}
	var status struct {
		Pending int `json:"pending"`
	}
	_ = json.Unmarshal(body, &status)
	fmt.Printf("Flushed. %d pending.\n", status.Pending)
}

func cmdMessages(c *client, conversation string, jsonOut bool) {
	body := c.do(http.MethodGet, "/v1/conversations/"+conversation+"/messages", nil)
	if jsonOut {
		fmt.Println(string(body))
		return
	}
	var resp struct {
		Messages []struct {
			ID        string `json:"id"`
			Body      string `json:"body"`
			CreatedAt int64  `json:"createdAt"`
			Delivery  string `json:"deliveryState"`
			Sender    struct {
				Name string `json:"name"`
			} `json:"sender"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	for _, m := range resp.Messages {
		ts := time.UnixMilli(m.CreatedAt).Format("15:04:05")
		fmt.Printf("[%s] %-12s %s (%s)\n", ts, m.Sender.Name, m.Body, m.Delivery)
	}
}

func cmdPost(c *client, path string, body any) {
	out := c.do(http.MethodPost, path, body)
	if len(out) > 0 {
		fmt.Println(string(out))
	} else {
		fmt.Println("ok")
	}
}
