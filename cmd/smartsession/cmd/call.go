package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"smartsession/pkg/credstore"
	"smartsession/pkg/errs"
	"smartsession/pkg/gateway"
)

var (
	callData      string
	callHeaders   []string
	callQuery     []string
	callProtected bool
)

var callCmd = &cobra.Command{
	Use:   "call METHOD PATH",
	Short: "Send one request to the API through the gateway",
	Long: `Send a request to the configured API. The stored access token and CSRF
token are attached, a 401 triggers one refresh and replay, and an
unrecoverable session counts down to a new browser sign-in. After signing
in, GET, HEAD and OPTIONS requests are sent again; other methods are left
for you to rerun.`,
	Args: cobra.ExactArgs(2),
	RunE: runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().StringVarP(&callData, "data", "d", "", "JSON request body")
	callCmd.Flags().StringArrayVarP(&callHeaders, "header", "H", nil, "extra header as 'Name: value'")
	callCmd.Flags().StringArrayVarP(&callQuery, "query", "q", nil, "query parameter as key=value")
	callCmd.Flags().BoolVar(&callProtected, "protected", false, "fail without a network call when signed out")
}

func runCall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	req, err := buildCallRequest(args[0], args[1])
	if err != nil {
		return err
	}

	client, err := a.newGateway(spinnerPrompt{})
	if err != nil {
		return err
	}

	srv := a.newCallbackServer()
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Shutdown(context.WithoutCancel(ctx))

	resp, err := client.Do(ctx, req)
	if errors.Is(err, errs.ErrLoginRequired) && a.store.Has(credstore.PKCEVerifier) {
		landing, lerr := awaitLogin(ctx, srv)
		if lerr != nil {
			return fmt.Errorf("sign-in failed: %w", lerr)
		}
		printLanding(landing)
		if !safeMethod(req.Method()) {
			return fmt.Errorf("signed in; %s was not resent, run the command again", req.Method())
		}
		resp, err = client.Do(ctx, req)
	}
	if resp != nil {
		fmt.Fprintf(os.Stderr, "HTTP %d\n", resp.StatusCode)
		if _, werr := cmd.OutOrStdout().Write(resp.Body); werr != nil {
			return werr
		}
		if len(resp.Body) > 0 && resp.Body[len(resp.Body)-1] != '\n' {
			fmt.Fprintln(cmd.OutOrStdout())
		}
	}
	return err
}

// safeMethod reports whether a request may be resent without the user
// asking for it again.
func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func buildCallRequest(method, path string) (*gateway.Request, error) {
	var opts []gateway.RequestOption

	if len(callQuery) > 0 {
		q := url.Values{}
		for _, kv := range callQuery {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("invalid query parameter %q, want key=value", kv)
			}
			q.Add(k, v)
		}
		opts = append(opts, gateway.WithQuery(q))
	}
	for _, h := range callHeaders {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("invalid header %q, want 'Name: value'", h)
		}
		opts = append(opts, gateway.WithHeader(strings.TrimSpace(k), strings.TrimSpace(v)))
	}
	if callData != "" {
		opts = append(opts, gateway.WithBody([]byte(callData), "application/json"))
	}
	if callProtected {
		opts = append(opts, gateway.Protected())
	}
	return gateway.NewRequest(method, path, opts...), nil
}
