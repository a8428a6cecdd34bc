// ABOUTME: Operator CLI for relay-gateway
// ABOUTME: Manages node pairing, invocation, sessions, and config over the control plane

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/relay-gateway/internal/protocol"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	addr := os.Getenv("RELAY_GATEWAY_ADDR")
	if addr == "" {
		addr = "127.0.0.1:18789"
	}
	token := os.Getenv("RELAY_TOKEN")

	cli, err := dial(ctx, addr, token)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	defer cli.Close()

	err = run(ctx, cli, os.Args[1:])
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: relay-admin <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  status                          Show gateway status")
	fmt.Println("  pair list                       List pending pairing requests")
	fmt.Println("  pair approve <requestId>        Approve a pairing request")
	fmt.Println("  pair reject <requestId>         Reject a pairing request")
	fmt.Println("  node list                       List paired nodes")
	fmt.Println("  node rename <nodeId> <name>     Rename a paired node")
	fmt.Println("  node invoke <nodeId> <command> [paramsJSON] [timeoutMs]")
	fmt.Println("  sessions list [agentId]         List session entries")
	fmt.Println("  sessions resolve <key>          Resolve a session key alias")
	fmt.Println("  sessions patch <key> <fieldsJSON>")
	fmt.Println("  sessions delete <key>           Delete a session entry")
	fmt.Println("  config apply <file> [delayMs]   Apply a config file and restart")
	fmt.Println("  update run [delayMs]            Run a self-update and restart")
	fmt.Println("  events                          Stream node events")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  RELAY_GATEWAY_ADDR   Gateway address (default 127.0.0.1:18789)")
	fmt.Println("  RELAY_TOKEN          Operator JWT (optional on loopback)")
}

func run(ctx context.Context, cli *adminClient, args []string) error {
	switch args[0] {
	case "status":
		return cmdStatus(ctx, cli)
	case "pair":
		if len(args) < 2 {
			return fmt.Errorf("pair requires a subcommand")
		}
		switch args[1] {
		case "list":
			return cmdPairList(ctx, cli)
		case "approve":
			return cmdPairDecide(ctx, cli, protocol.MethodNodePairApprove, args[2:])
		case "reject":
			return cmdPairDecide(ctx, cli, protocol.MethodNodePairReject, args[2:])
		}
		return fmt.Errorf("unknown pair subcommand: %s", args[1])
	case "node":
		if len(args) < 2 {
			return fmt.Errorf("node requires a subcommand")
		}
		switch args[1] {
		case "list":
			return cmdNodeList(ctx, cli)
		case "rename":
			return cmdNodeRename(ctx, cli, args[2:])
		case "invoke":
			return cmdNodeInvoke(ctx, cli, args[2:])
		}
		return fmt.Errorf("unknown node subcommand: %s", args[1])
	case "sessions":
		if len(args) < 2 {
			return fmt.Errorf("sessions requires a subcommand")
		}
		switch args[1] {
		case "list":
			return cmdSessionsList(ctx, cli, args[2:])
		case "resolve":
			return cmdSessionsResolve(ctx, cli, args[2:])
		case "patch":
			return cmdSessionsPatch(ctx, cli, args[2:])
		case "delete":
			return cmdSessionsDelete(ctx, cli, args[2:])
		}
		return fmt.Errorf("unknown sessions subcommand: %s", args[1])
	case "config":
		if len(args) < 2 || args[1] != "apply" {
			return fmt.Errorf("usage: config apply <file> [delayMs]")
		}
		return cmdConfigApply(ctx, cli, args[2:])
	case "update":
		if len(args) < 2 || args[1] != "run" {
			return fmt.Errorf("usage: update run [delayMs]")
		}
		return cmdUpdateRun(ctx, cli, args[2:])
	case "events":
		return cmdEvents(cli)
	}
	printUsage()
	return fmt.Errorf("unknown command: %s", args[0])
}

func cmdStatus(ctx context.Context, cli *adminClient) error {
	var result map[string]any
	if err := cli.Call(ctx, protocol.MethodStatus, nil, &result); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Println("Gateway status")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "  server\t%v\n", result["serverId"])
	fmt.Fprintf(w, "  uptime\t%v ms\n", result["uptimeMs"])
	fmt.Fprintf(w, "  operators\t%v\n", result["operators"])
	fmt.Fprintf(w, "  nodes\t%v\n", result["connectedNodes"])
	fmt.Fprintf(w, "  pending pairs\t%v\n", result["pendingPairs"])
	return w.Flush()
}

func cmdPairList(ctx context.Context, cli *adminClient) error {
	var result struct {
		Pending []struct {
			RequestID   string `json:"requestId"`
			NodeID      string `json:"nodeId"`
			DisplayName string `json:"displayName"`
			Platform    string `json:"platform"`
			RemoteIP    string `json:"remoteIp"`
			AgeMs       int64  `json:"ageMs"`
			IsRepair    bool   `json:"isRepair"`
		} `json:"pending"`
	}
	if err := cli.Call(ctx, protocol.MethodNodePairList, nil, &result); err != nil {
		return err
	}

	if len(result.Pending) == 0 {
		fmt.Println("No pending pairing requests.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REQUEST\tNODE\tNAME\tPLATFORM\tFROM\tAGE\tREPAIR")
	for _, p := range result.Pending {
		repair := ""
		if p.IsRepair {
			repair = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.RequestID, p.NodeID, p.DisplayName, p.Platform, p.RemoteIP,
			(time.Duration(p.AgeMs) * time.Millisecond).Round(time.Second), repair)
	}
	return w.Flush()
}

func cmdPairDecide(ctx context.Context, cli *adminClient, method string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("requestId is required")
	}
	var result map[string]any
	err := cli.Call(ctx, method, protocol.PairDecideParams{RequestID: args[0]}, &result)
	if err != nil {
		return err
	}
	if method == protocol.MethodNodePairApprove {
		color.Green("Approved node %v (%v)", result["nodeId"], result["displayName"])
	} else {
		color.Yellow("Rejected request %s", args[0])
	}
	return nil
}

func cmdNodeList(ctx context.Context, cli *adminClient) error {
	var result struct {
		Nodes []struct {
			NodeID      string `json:"nodeId"`
			DisplayName string `json:"displayName"`
			Platform    string `json:"platform"`
			Version     string `json:"version"`
			Connected   bool   `json:"connected"`
		} `json:"nodes"`
	}
	if err := cli.Call(ctx, protocol.MethodNodeList, nil, &result); err != nil {
		return err
	}

	if len(result.Nodes) == 0 {
		fmt.Println("No paired nodes.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tNAME\tPLATFORM\tVERSION\tSTATE")
	for _, n := range result.Nodes {
		state := color.RedString("offline")
		if n.Connected {
			state = color.GreenString("online")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", n.NodeID, n.DisplayName, n.Platform, n.Version, state)
	}
	return w.Flush()
}

func cmdNodeRename(ctx context.Context, cli *adminClient, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: node rename <nodeId> <name>")
	}
	var result map[string]any
	err := cli.Call(ctx, protocol.MethodNodeRename,
		protocol.RenameParams{NodeID: args[0], DisplayName: args[1]}, &result)
	if err != nil {
		return err
	}
	color.Green("Renamed %s to %q", args[0], args[1])
	return nil
}

func cmdNodeInvoke(ctx context.Context, cli *adminClient, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: node invoke <nodeId> <command> [paramsJSON] [timeoutMs]")
	}

	params := protocol.InvokeParams{NodeID: args[0], Command: args[1]}
	if len(args) > 2 && args[2] != "" {
		params.Params = json.RawMessage(args[2])
	}
	if len(args) > 3 {
		ms, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil {
			return fmt.Errorf("parsing timeoutMs: %w", err)
		}
		params.TimeoutMs = ms
	}

	var result struct {
		PayloadJSON string `json:"payloadJSON"`
	}
	if err := cli.Call(ctx, protocol.MethodNodeInvoke, params, &result); err != nil {
		return err
	}
	fmt.Println(result.PayloadJSON)
	return nil
}

func cmdSessionsList(ctx context.Context, cli *adminClient, args []string) error {
	params := protocol.SessionsListParams{IncludeGlobal: true, Limit: 50}
	if len(args) > 0 {
		params.AgentID = args[0]
	}

	var result struct {
		Sessions []struct {
			Key           string `json:"key"`
			SessionID     string `json:"sessionId"`
			UpdatedAtMs   int64  `json:"updatedAtMs"`
			ThinkingLevel string `json:"thinkingLevel"`
			LastChannel   string `json:"lastChannel"`
		} `json:"sessions"`
	}
	if err := cli.Call(ctx, protocol.MethodSessionsList, params, &result); err != nil {
		return err
	}

	if len(result.Sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSESSION\tUPDATED\tTHINKING\tCHANNEL")
	for _, s := range result.Sessions {
		updated := ""
		if s.UpdatedAtMs > 0 {
			updated = time.UnixMilli(s.UpdatedAtMs).Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Key, s.SessionID, updated, s.ThinkingLevel, s.LastChannel)
	}
	return w.Flush()
}

func cmdSessionsResolve(ctx context.Context, cli *adminClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("key is required")
	}
	var result struct {
		Key string `json:"key"`
	}
	if err := cli.Call(ctx, protocol.MethodSessionsResolve, protocol.SessionKeyParams{Key: args[0]}, &result); err != nil {
		return err
	}
	fmt.Println(result.Key)
	return nil
}

func cmdSessionsPatch(ctx context.Context, cli *adminClient, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: sessions patch <key> <fieldsJSON>")
	}

	// Merge the key into the caller's field object.
	var fields map[string]any
	if err := json.Unmarshal([]byte(args[1]), &fields); err != nil {
		return fmt.Errorf("parsing fields: %w", err)
	}
	fields["key"] = args[0]

	var result struct {
		Key string `json:"key"`
	}
	if err := cli.Call(ctx, protocol.MethodSessionsPatch, fields, &result); err != nil {
		return err
	}
	color.Green("Patched %s", result.Key)
	return nil
}

func cmdSessionsDelete(ctx context.Context, cli *adminClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("key is required")
	}
	var result struct {
		Key string `json:"key"`
	}
	if err := cli.Call(ctx, protocol.MethodSessionsDelete, protocol.SessionKeyParams{Key: args[0]}, &result); err != nil {
		return err
	}
	color.Green("Deleted %s", result.Key)
	return nil
}

func cmdConfigApply(ctx context.Context, cli *adminClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("config file is required")
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	params := protocol.ConfigApplyParams{Raw: string(raw)}
	if len(args) > 1 {
		ms, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("parsing delayMs: %w", err)
		}
		params.RestartDelayMs = ms
	}

	var result map[string]any
	if err := cli.Call(ctx, protocol.MethodConfigApply, params, &result); err != nil {
		return err
	}
	color.Green("Config applied; gateway restarting in %vms", params.RestartDelayMs)
	return nil
}

func cmdUpdateRun(ctx context.Context, cli *adminClient, args []string) error {
	params := protocol.UpdateRunParams{}
	if len(args) > 0 {
		ms, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("parsing delayMs: %w", err)
		}
		params.RestartDelayMs = ms
	}

	var result struct {
		Stats map[string]any `json:"stats"`
	}
	if err := cli.Call(ctx, protocol.MethodUpdateRun, params, &result); err != nil {
		return err
	}
	color.Green("Update complete (mode=%v); gateway restarting", result.Stats["mode"])
	return nil
}

func cmdEvents(cli *adminClient) error {
	// Stream indefinitely; ^C ends it.
	ctx := context.Background()

	if err := cli.Call(ctx, protocol.MethodNodeSubscribe, nil, nil); err != nil {
		return err
	}
	color.New(color.FgCyan).Println("Streaming node events (Ctrl-C to stop)")

	return cli.StreamEvents(ctx, func(e *protocol.NodeEventPayload) {
		ts := color.HiBlackString(time.Now().Format("15:04:05"))
		fmt.Printf("%s %s %s %s\n", ts, color.GreenString(e.NodeID), e.Event, e.PayloadJSON)
	})
}
