package main

import "github.com/pagopa/io-auth-gateway/cmd/gateway/cmd"

func main() {
	cmd.Execute()
}
