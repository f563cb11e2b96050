package main

import (
	"context"
	"fmt"
	"io"

	"github.com/lightforgemedia/go-ddp/pkg/client"
	"github.com/lightforgemedia/go-ddp/pkg/ejson"
)

// parseParams reads each argument as EJSON. Arguments that are not valid
// JSON are passed as plain strings, so `call greet bob` works unquoted.
func parseParams(args []string) []any {
	params := make([]any, 0, len(args))
	for _, a := range args {
		v, err := ejson.Unmarshal([]byte(a))
		if err != nil || a == "" {
			v = a
		}
		params = append(params, v)
	}
	return params
}

// runCall invokes method on a connected client and prints the EJSON result.
func runCall(ctx context.Context, cli *client.Client, method string, args []string, out io.Writer) error {
	v, err := cli.Call(ctx, method, parseParams(args)...)
	if err != nil {
		return err
	}
	b, err := ejson.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
