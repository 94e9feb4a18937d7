// Command runtime-gate is a Lambda external extension that proxies the
// Runtime API and only hands the function invocations carrying a verified
// bearer token.
package main

import "github.com/Sentinel-Gate/runtimegate/cmd/runtime-gate/cmd"

func main() {
	cmd.Execute()
}
