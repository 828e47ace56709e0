// gt06sim -- GT06 tracker simulator for exercising the gateway.
package main

import "github.com/dantte-lp/gogt06/cmd/gt06sim/commands"

func main() {
	commands.Execute()
}
