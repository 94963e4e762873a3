package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/codepad/internal/config"
	"github.com/michaelbrown/codepad/internal/sandbox"
)

const maxResultText = 4000

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	// stdout carries the MCP protocol.
	logrus.SetOutput(os.Stderr)
	if err := cfg.Log.Apply(); err != nil {
		fmt.Fprintf(os.Stderr, "configuring logging: %v\n", err)
		os.Exit(1)
	}

	mode, err := sandbox.ParseMode(cfg.Sandbox.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	policy := cfg.Sandbox.Policy()
	runner, err := sandbox.New(mode, policy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating sandbox: %v\n", err)
		os.Exit(1)
	}
	if c, ok := runner.(io.Closer); ok {
		defer c.Close()
	}

	s := server.NewMCPServer("codepad-code-runner", "0.1.0")
	s.AddTool(mcp.Tool{
		Name: "code_run",
		Description: fmt.Sprintf("Execute a Python program in the codepad %s sandbox. "+
			"Returns stdout, stderr and the exit status.", runner.Name()),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Python source code to execute",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Standard input to provide to the program (optional)",
				},
				"timeout_ms": map[string]any{
					"type":        "integer",
					"description": fmt.Sprintf("Wall-clock timeout in milliseconds (optional, max %d)", policy.MaxTimeout.Milliseconds()),
				},
			},
			Required: []string{"code"},
		},
	}, codeRunHandler(runner, policy))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
	}
}

func codeRunHandler(runner sandbox.Runner, policy sandbox.Policy) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		if args == nil {
			return errResult("error: invalid arguments"), nil
		}

		code, _ := args["code"].(string)
		stdin, _ := args["stdin"].(string)
		if strings.TrimSpace(code) == "" {
			return errResult("error: 'code' is required"), nil
		}
		if err := policy.CheckStdin(stdin); err != nil {
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}

		// JSON numbers decode as float64.
		var timeout time.Duration
		if ms, ok := args["timeout_ms"].(float64); ok && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}

		limits, err := policy.Limits()
		if err != nil {
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}

		result := runner.Execute(ctx, sandbox.Request{
			Code:    code,
			Stdin:   stdin,
			Timeout: policy.ClampTimeout(timeout),
			Limits:  limits,
		}, func(sandbox.Stream, []byte) {})

		text := formatResult(result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
			IsError: result.Status != sandbox.StatusExited || result.ExitCode != 0,
		}, nil
	}
}

func formatResult(result sandbox.Result) string {
	var output strings.Builder
	if result.Stdout != "" {
		output.WriteString(result.Stdout)
	}
	if result.Stderr != "" {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString("STDERR:\n" + result.Stderr)
	}
	switch {
	case result.Status != sandbox.StatusExited:
		output.WriteString(fmt.Sprintf("\nstatus: %s", result.Status))
		if result.Err != nil {
			output.WriteString(fmt.Sprintf(" (%v)", result.Err))
		}
	case result.ExitCode != 0:
		output.WriteString(fmt.Sprintf("\nexit code: %d", result.ExitCode))
	}
	if result.Truncated {
		output.WriteString("\n(output limit reached)")
	}

	text := output.String()
	if len(text) > maxResultText {
		text = text[:maxResultText] + "\n... (output truncated)"
	}
	return text
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
