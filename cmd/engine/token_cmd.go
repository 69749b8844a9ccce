package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/b1e55ed/engine/pkg/api"
	"github.com/b1e55ed/engine/pkg/permissions"
)

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	subject := fs.String("subject", "", "Contributor id the token identifies (REQUIRED)")
	role := fs.String("role", string(permissions.RoleCurator), "Role: operator | agent | curator | tester")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	jsonOut := fs.Bool("json", false, "Output result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *subject == "" {
		fmt.Fprintln(stderr, "Error: --subject is required")
		fs.Usage()
		return 2
	}
	r := permissions.Role(*role)
	if !permissions.Valid(r) {
		fmt.Fprintf(stderr, "Error: unknown role %q\n", *role)
		return 2
	}

	secret, err := apiSecret()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	tok, err := api.NewAuthenticator(secret).IssueToken(*subject, r, *ttl)
	if err != nil {
		fmt.Fprintf(stderr, "issue token: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(stdout, map[string]interface{}{
			"subject": *subject,
			"role":    string(r),
			"expires": time.Now().UTC().Add(*ttl).Format(time.RFC3339),
			"token":   tok,
		})
		return 0
	}
	fmt.Fprintln(stdout, tok)
	return 0
}
