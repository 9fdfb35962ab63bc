package modules

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/scout-hq/scout/protocol"
	"github.com/scout-hq/scout/registry"
	"github.com/scout-hq/scout/schema"
)

// Network exposes basic reachability probes: ping, DNS lookups, TCP
// port checks, and HTTP endpoint checks.
type Network struct{}

// NewNetwork returns the network module.
func NewNetwork() *Network { return &Network{} }

func (n *Network) Name() string     { return "network" }
func (n *Network) Category() string { return "network" }

// Register adds the probe tools and the triage prompt. Settings may
// override ping_path when the ping binary lives outside PATH.
func (n *Network) Register(_ context.Context, b *registry.Batch, settings map[string]any) error {
	pingPath := "ping"
	if v, ok := settings["ping_path"].(string); ok && v != "" {
		pingPath = v
	}

	tools := []registry.Tool{
		{
			Name:        "ping",
			Description: "Probe a host with ICMP echo requests via the system ping binary",
			Category:    "network",
			InputSchema: schema.Simple(schema.Object(map[string]*schema.Field{
				"target":          schema.String("hostname or IP address to probe"),
				"count":           schema.Optional(schema.WithRange(schema.Integer("number of echo requests"), 1, 10)),
				"timeout_seconds": schema.Optional(schema.WithRange(schema.Integer("per-reply timeout in seconds"), 1, 30)),
			})),
			Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
				return runPing(ctx, pingPath, args)
			},
		},
		{
			Name:        "dns_lookup",
			Description: "Resolve DNS records for a name",
			Category:    "network",
			InputSchema: schema.Simple(schema.Object(map[string]*schema.Field{
				"target":      schema.String("name to resolve"),
				"record_type": schema.Optional(schema.WithEnum(schema.String("record type"), "A", "AAAA", "CNAME", "MX", "TXT")),
			})),
			Handler: runDNSLookup,
		},
		{
			Name:        "port_check",
			Description: "Check whether a TCP port accepts connections",
			Category:    "network",
			InputSchema: schema.Simple(schema.Object(map[string]*schema.Field{
				"target":          schema.String("hostname or IP address"),
				"port":            schema.WithRange(schema.Integer("TCP port"), 1, 65535),
				"timeout_seconds": schema.Optional(schema.WithRange(schema.Integer("dial timeout in seconds"), 1, 60)),
			})),
			Handler: runPortCheck,
		},
		{
			Name:        "http_check",
			Description: "Fetch an HTTP endpoint and report status and latency",
			Category:    "network",
			InputSchema: schema.Simple(schema.Object(map[string]*schema.Field{
				"url":             schema.WithFormat(schema.String("endpoint URL"), "uri"),
				"method":          schema.Optional(schema.WithEnum(schema.String("HTTP method"), "GET", "HEAD", "POST", "OPTIONS")),
				"timeout_seconds": schema.Optional(schema.WithRange(schema.Integer("request timeout in seconds"), 1, 120)),
			})),
			Handler: runHTTPCheck,
		},
	}
	for _, t := range tools {
		if err := b.RegisterTool(t); err != nil {
			return err
		}
	}

	return b.RegisterPrompt(registry.Prompt{
		Name:        "network_triage",
		Title:       "Network triage",
		Description: "Step-by-step reachability triage for a host",
		Arguments: []protocol.PromptArgument{
			{Name: "target", Description: "host to triage", Required: true},
			{Name: "depth", Description: "quick or thorough"},
		},
		Renderer: renderNetworkTriage,
	})
}

func runPing(ctx context.Context, pingPath string, args map[string]any) (*protocol.CallToolResult, error) {
	target := stringArg(args, "target")
	count := intArg(args, "count", 3)
	timeout := intArg(args, "timeout_seconds", 5)

	cmd := exec.CommandContext(ctx, pingPath,
		"-c", strconv.Itoa(count),
		"-W", strconv.Itoa(timeout),
		target)
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return protocol.NewToolResultErrorf("ping %s failed: %v\n%s", target, err, out), nil
	}
	return protocol.NewToolResultText(string(out)), nil
}

type dnsResult struct {
	Target     string   `json:"target"`
	RecordType string   `json:"record_type"`
	Records    []string `json:"records"`
}

func runDNSLookup(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
	target := stringArg(args, "target")
	recordType := stringArg(args, "record_type")
	if recordType == "" {
		recordType = "A"
	}

	resolver := &net.Resolver{}
	var records []string
	var err error
	switch recordType {
	case "A", "AAAA":
		network := "ip4"
		if recordType == "AAAA" {
			network = "ip6"
		}
		var ips []net.IP
		ips, err = resolver.LookupIP(ctx, network, target)
		for _, ip := range ips {
			records = append(records, ip.String())
		}
	case "CNAME":
		var cname string
		cname, err = resolver.LookupCNAME(ctx, target)
		if err == nil {
			records = append(records, cname)
		}
	case "MX":
		var mxs []*net.MX
		mxs, err = resolver.LookupMX(ctx, target)
		for _, mx := range mxs {
			records = append(records, fmt.Sprintf("%d %s", mx.Pref, mx.Host))
		}
	case "TXT":
		records, err = resolver.LookupTXT(ctx, target)
	default:
		return protocol.NewToolResultErrorf("unsupported record type %q", recordType), nil
	}
	if err != nil {
		return protocol.NewToolResultErrorf("resolving %s %s: %v", recordType, target, err), nil
	}
	return jsonResult(dnsResult{Target: target, RecordType: recordType, Records: records})
}

type portResult struct {
	Target    string `json:"target"`
	Port      int    `json:"port"`
	Open      bool   `json:"open"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

func runPortCheck(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
	target := stringArg(args, "target")
	port := intArg(args, "port", 0)
	timeout := time.Duration(intArg(args, "timeout_seconds", 5)) * time.Second

	addr := net.JoinHostPort(target, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	result := portResult{
		Target:    target,
		Port:      port,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Open = true
		conn.Close()
	}
	return jsonResult(result)
}

type httpResult struct {
	URL        string `json:"url"`
	Method     string `json:"method"`
	StatusCode int    `json:"status_code"`
	Status     string `json:"status"`
	LatencyMS  int64  `json:"latency_ms"`
	BodyBytes  int64  `json:"body_bytes"`
}

func runHTTPCheck(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
	url := stringArg(args, "url")
	method := stringArg(args, "method")
	if method == "" {
		method = http.MethodGet
	}
	timeout := time.Duration(intArg(args, "timeout_seconds", 10)) * time.Second

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return protocol.NewToolResultErrorf("building request: %v", err), nil
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return protocol.NewToolResultErrorf("checking %s: %v", url, err), nil
	}
	defer resp.Body.Close()
	n, _ := countBody(resp)

	return jsonResult(httpResult{
		URL:        url,
		Method:     method,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		LatencyMS:  time.Since(start).Milliseconds(),
		BodyBytes:  n,
	})
}

func countBody(resp *http.Response) (int64, error) {
	var n int64
	buf := make([]byte, 32*1024)
	for {
		read, err := resp.Body.Read(buf)
		n += int64(read)
		if err != nil {
			return n, nil
		}
	}
}

func renderNetworkTriage(_ context.Context, args map[string]string) (*protocol.GetPromptResult, error) {
	target := args["target"]
	if target == "" {
		return nil, fmt.Errorf("argument %q is required", "target")
	}
	depth := args["depth"]
	if depth == "" {
		depth = "quick"
	}

	steps := []string{
		fmt.Sprintf("1. ping %s to confirm basic reachability", target),
		fmt.Sprintf("2. dns_lookup %s to verify name resolution", target),
		fmt.Sprintf("3. port_check %s on the service ports you expect open", target),
	}
	if depth == "thorough" {
		steps = append(steps,
			fmt.Sprintf("4. http_check any web endpoints on %s and compare latency against baseline", target),
			"5. cross-check the CMDB record with memory_get for expected addresses and owners",
		)
	}

	return &protocol.GetPromptResult{
		Description: fmt.Sprintf("Reachability triage for %s (%s)", target, depth),
		Messages: []protocol.PromptMessage{
			{
				Role: "user",
				Content: protocol.Content{
					Type: "text",
					Text: fmt.Sprintf("Host %s is reported unreachable. Walk through a %s triage.", target, depth),
				},
			},
			{
				Role: "assistant",
				Content: protocol.Content{
					Type: "text",
					Text: "Work through these checks in order and stop at the first failure:\n" + strings.Join(steps, "\n"),
				},
			},
		},
	}, nil
}
