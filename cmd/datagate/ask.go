package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/datagate/internal/chat"
)

// Exit codes for the ask command.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitDenied      = 2
	ExitUnavailable = 3
)

const defaultAskSurface = "cli"

var (
	askMessage    string
	askSurface    string
	askGatewayURL string
	askAPIKey     string
	askToken      string
	askTimeout    int
)

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Send one chat turn to a running gateway",
	Long: `Send a message to the datagate HTTP API and print the answer.
Any data requests proposed by the model are authorized for the caller's role
before they run; results the role may not see are never returned.

Examples:
  datagate ask -m "which hackathons are open right now?"
  datagate ask -m "how many teams registered for my hackathons?" --surface dashboard

Exit codes:
  0  success
  1  failure
  2  unauthorized or rate limited
  3  gateway or model unavailable`,
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askMessage, "message", "m", "", "message to send (required)")
	askCmd.Flags().StringVar(&askSurface, "surface", defaultAskSurface, "chat surface (one conversation per surface)")
	askCmd.Flags().StringVar(&askGatewayURL, "gateway-url", "http://localhost:8080", "gateway HTTP API URL (or DATAGATE_GATEWAY_URL env)")
	askCmd.Flags().StringVar(&askAPIKey, "api-key", "", "API key (or DATAGATE_API_KEY env)")
	askCmd.Flags().StringVar(&askToken, "token", "", "JWT bearer token (or DATAGATE_TOKEN env)")
	askCmd.Flags().IntVar(&askTimeout, "timeout", 120, "timeout in seconds")

	_ = askCmd.MarkFlagRequired("message")
}

func runAsk(_ *cobra.Command, _ []string) error {
	if askMessage == "" {
		return fmt.Errorf("message is required: use -m flag")
	}

	apiKey := goutils.Env("DATAGATE_API_KEY", askAPIKey)
	token := goutils.Env("DATAGATE_TOKEN", askToken)
	if apiKey == "" && token == "" {
		fmt.Fprintln(os.Stderr, "Error: credentials required (use --api-key, --token, DATAGATE_API_KEY or DATAGATE_TOKEN)")
		os.Exit(ExitDenied)
	}
	gatewayURL := goutils.Env("DATAGATE_GATEWAY_URL", askGatewayURL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(askTimeout)*time.Second)
	defer cancel()

	reqBody, _ := json.Marshal(chat.Request{Message: askMessage})
	endpoint := gatewayURL + "/v1/chat/" + url.PathEscape(askSurface)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	} else {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		os.Exit(ExitUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		var result chat.Response
		if err := json.Unmarshal(respBody, &result); err != nil {
			fmt.Fprintf(os.Stderr, "Error: decoding response: %v\n", err)
			os.Exit(ExitFailure)
		}
		printAnswer(os.Stdout, result)
		if result.ExecutionError != "" {
			fmt.Fprintf(os.Stderr, "\n[%s]\n", result.ExecutionError)
		}
		os.Exit(ExitSuccess)

	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check credentials)")
		os.Exit(ExitDenied)

	case http.StatusTooManyRequests:
		fmt.Fprintln(os.Stderr, "Error: rate limited, try again later")
		os.Exit(ExitDenied)

	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		fmt.Fprintf(os.Stderr, "Error: gateway unavailable (%d): %s\n", resp.StatusCode, errorMessage(respBody))
		os.Exit(ExitUnavailable)

	default:
		fmt.Fprintf(os.Stderr, "Error: gateway returned %d: %s\n", resp.StatusCode, errorMessage(respBody))
		os.Exit(ExitFailure)
	}
	return nil
}

// printAnswer writes the narrative followed by any result sets.
func printAnswer(w io.Writer, r chat.Response) {
	fmt.Fprintln(w, r.Response)
	for _, res := range r.DataResults {
		title := res.Caption
		if title == "" {
			title = res.Table
		}
		fmt.Fprintf(w, "\n%s (%d rows", title, res.RowCount)
		if res.Truncated {
			fmt.Fprint(w, ", truncated")
		}
		fmt.Fprintln(w, ")")
		enc := json.NewEncoder(w)
		for _, row := range res.Rows {
			_ = enc.Encode(row)
		}
	}
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(body)
}
